package uniqueness

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/parleybot/parley/internal/metrics"
)

const (
	ringCapacity    = 7
	compareDepth    = 3
	minTokens       = 4
	baseThreshold   = 0.75
	conceptualSim   = 0.65
	topicOverlapMin = 0.4
	lengthAlpha     = 0.2
	frequencyAlpha  = 0.1
	vocabularyLimit = 100
	// longWordLen feeds the complexity score; topicWordLen picks the
	// candidate words that count as topic keywords.
	longWordLen  = 6
	topicWordLen = 3

	userTTL    = time.Hour
	gcInterval = 10 * time.Minute
)

// Reason literals surfaced in decisions and completion logs.
const (
	ReasonExact      = "Exact content repetition"
	ReasonSemantic   = "Semantic similarity"
	ReasonConceptual = "Conceptual repetition"
)

// metric label per reason
var reasonSlugs = map[string]string{
	ReasonExact:      "exact",
	ReasonSemantic:   "semantic",
	ReasonConceptual: "conceptual",
}

var positiveLexicon = wordSet("good", "great", "love", "nice", "awesome",
	"cool", "thanks", "happy", "amazing", "fun", "glad", "best", "sweet",
	"excellent", "perfect", "wonderful", "haha", "lol", "yay", "win")

var negativeLexicon = wordSet("bad", "hate", "sad", "angry", "terrible",
	"awful", "annoying", "worst", "ugh", "sucks", "wrong", "broken",
	"fail", "mad", "horrible", "gross", "boring", "stupid", "damn", "cry")

func wordSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

// Decision is the outcome of a repetition check.
type Decision struct {
	Enhance bool
	Reason  string
	Hints   []string
}

// userState tracks one user's recent replies and conversation patterns.
// Each user carries its own lock; the filter's map lock only guards
// lookup and insertion.
type userState struct {
	mu         sync.Mutex
	ring       []*Signature
	avgLength  float64
	frequency  float64
	vocabulary []string
	vocabSet   map[string]struct{}
	sentiment  string
	complexity float64
	lastSeen   time.Time
}

// Config wires the filter.
type Config struct {
	// Engine selects the similarity engine ("advanced" unless "legacy").
	Engine  string
	Metrics *metrics.Registry
}

// Filter is the response-uniqueness filter: it fingerprints every
// published reply per user, flags candidates that repeat recent ones and
// produces prompt guidance derived from observed patterns.
type Filter struct {
	engine SimilarityEngine
	met    *metrics.Registry
	cache  *signatureCache
	now    func() time.Time

	mu    sync.RWMutex
	users map[string]*userState

	gcMu   sync.Mutex
	lastGC time.Time
}

func New(cfg Config) *Filter {
	return &Filter{
		engine: NewEngine(cfg.Engine),
		met:    cfg.Metrics,
		cache:  newSignatureCache(),
		now:    time.Now,
		users:  make(map[string]*userState),
		lastGC: time.Now(),
	}
}

// Engine reports the active similarity engine's name.
func (f *Filter) Engine() string { return f.engine.Name() }

// ShouldEnhance checks one candidate reply against the user's recent
// replies. A byte-exact repeat of anything in the ring is flagged no
// matter how short it is; the similarity paths only run for candidates
// of at least four tokens. The check is read-only: only RecordResponse
// mutates user state.
func (f *Filter) ShouldEnhance(userID, candidate string) Decision {
	sig := f.cache.get(candidate)

	var dec Decision
	if st := f.lookup(userID); st != nil {
		st.mu.Lock()
		dec = f.evaluateLocked(st, sig, candidate)
		st.mu.Unlock()
	}
	f.countCheck(dec)
	return dec
}

func (f *Filter) evaluateLocked(st *userState, sig *Signature, candidate string) Decision {
	for _, prev := range st.ring {
		if prev.Hash == sig.Hash {
			return Decision{Enhance: true, Reason: ReasonExact, Hints: f.hintsLocked(st)}
		}
	}

	if sig.WordCount < minTokens {
		return Decision{}
	}

	recent := st.ring
	if len(recent) > compareDepth {
		recent = recent[len(recent)-compareDepth:]
	}
	if len(recent) == 0 {
		return Decision{}
	}

	threshold := f.engine.Threshold(baseThreshold, ThresholdStats{
		Frequency:      st.frequency,
		Complexity:     st.complexity,
		VocabularySize: len(st.vocabulary),
	})

	maxSim := 0.0
	for _, prev := range recent {
		if sim := f.engine.Similarity(sig, prev); sim > maxSim {
			maxSim = sim
		}
	}
	if maxSim >= threshold {
		return Decision{Enhance: true, Reason: ReasonSemantic, Hints: f.hintsLocked(st)}
	}

	topics := topicKeywords(candidate)
	if len(topics) > 0 {
		for _, prev := range recent {
			overlap := topicOverlap(topics, prev.Tokens)
			if overlap > topicOverlapMin && sig.WordCount == prev.WordCount &&
				f.engine.Similarity(sig, prev) > conceptualSim {
				return Decision{Enhance: true, Reason: ReasonConceptual, Hints: f.hintsLocked(st)}
			}
		}
	}

	return Decision{}
}

// EnhanceSystemPrompt appends an "Internal Guidance" section to the base
// prompt when enough per-user data exists to say something useful. With
// no meaningful data the prompt comes back unchanged.
func (f *Filter) EnhanceSystemPrompt(userID, basePrompt string) string {
	st := f.lookup(userID)
	if st == nil {
		return basePrompt
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !f.meaningfulLocked(st) {
		return basePrompt
	}
	hints := f.hintsLocked(st)
	if len(hints) == 0 {
		return basePrompt
	}

	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nInternal Guidance:\n")
	for _, h := range hints {
		b.WriteString("- ")
		b.WriteString(h)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (f *Filter) meaningfulLocked(st *userState) bool {
	return len(st.vocabulary) >= 10 ||
		st.avgLength >= 20 ||
		(st.sentiment != "" && st.sentiment != "neutral") ||
		len(st.ring) >= 3
}

// hintsLocked builds the guidance lines from observed patterns.
func (f *Filter) hintsLocked(st *userState) []string {
	var hints []string

	if n := len(st.vocabulary); n >= 10 {
		sample := st.vocabulary
		if len(sample) > 5 {
			sample = sample[len(sample)-5:]
		}
		hints = append(hints, fmt.Sprintf(
			"Vary vocabulary; avoid leaning on recent words like %s.",
			strings.Join(sample, ", ")))
	}
	if st.avgLength >= 20 {
		hints = append(hints, fmt.Sprintf(
			"Vary response length; recent replies average about %d words.",
			int(st.avgLength)))
	}
	if st.sentiment != "" && st.sentiment != "neutral" {
		hints = append(hints, fmt.Sprintf(
			"Shift tone; recent replies lean %s.", st.sentiment))
	}
	if len(st.ring) >= 3 {
		hints = append(hints, "Offer a fresh perspective instead of restating earlier points.")
	}
	return hints
}

// RecordResponse fingerprints a published reply and folds it into the
// user's patterns. It also drives the lazy cleanup.
func (f *Filter) RecordResponse(userID, reply string) {
	now := f.now()
	sig := f.cache.get(reply)
	st := f.userFor(userID)

	st.mu.Lock()

	st.ring = append(st.ring, sig)
	if len(st.ring) > ringCapacity {
		st.ring = st.ring[1:]
	}

	words := tokenize(reply)

	// Length EMA.
	if st.avgLength == 0 {
		st.avgLength = float64(len(words))
	} else {
		st.avgLength = lengthAlpha*float64(len(words)) + (1-lengthAlpha)*st.avgLength
	}

	// Interaction-frequency EMA over the implied per-second rate.
	if !st.lastSeen.IsZero() {
		gap := now.Sub(st.lastSeen).Seconds()
		if gap < 1 {
			gap = 1
		}
		inst := 1 / gap
		st.frequency = frequencyAlpha*inst + (1-frequencyAlpha)*st.frequency
	}
	st.lastSeen = now

	// Vocabulary, most recent words last, bounded.
	if st.vocabSet == nil {
		st.vocabSet = make(map[string]struct{})
	}
	for _, w := range words {
		if _, ok := st.vocabSet[w]; ok {
			continue
		}
		st.vocabSet[w] = struct{}{}
		st.vocabulary = append(st.vocabulary, w)
	}
	if over := len(st.vocabulary) - vocabularyLimit; over > 0 {
		for _, w := range st.vocabulary[:over] {
			delete(st.vocabSet, w)
		}
		st.vocabulary = st.vocabulary[over:]
	}

	st.sentiment = inferSentiment(sig.Tokens)
	st.complexity = complexityOf(words)

	st.mu.Unlock()

	f.maybeCleanup(now)
}

// lookup returns the user's state without creating it.
func (f *Filter) lookup(userID string) *userState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.users[userID]
}

func (f *Filter) userFor(userID string) *userState {
	f.mu.RLock()
	st := f.users[userID]
	f.mu.RUnlock()
	if st != nil {
		return st
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if st = f.users[userID]; st == nil {
		st = &userState{}
		f.users[userID] = st
	}
	return st
}

func (f *Filter) countCheck(dec Decision) {
	if f.met == nil {
		return
	}
	f.met.RecordUniquenessCheck(!dec.Enhance)
	if dec.Enhance {
		f.met.RecordUniquenessEnhancement(reasonSlugs[dec.Reason])
	}
}

// maybeCleanup evicts users inactive for an hour and sweeps the
// signature cache, at most once per ten minutes.
func (f *Filter) maybeCleanup(now time.Time) {
	f.gcMu.Lock()
	if now.Sub(f.lastGC) < gcInterval {
		f.gcMu.Unlock()
		return
	}
	f.lastGC = now
	f.gcMu.Unlock()

	live := make(map[string]struct{})

	f.mu.Lock()
	for id, st := range f.users {
		st.mu.Lock()
		expired := now.Sub(st.lastSeen) > userTTL
		if !expired {
			for _, sig := range st.ring {
				live[sig.Hash] = struct{}{}
			}
		}
		st.mu.Unlock()
		if expired {
			delete(f.users, id)
		}
	}
	f.mu.Unlock()

	f.cache.sweep(live)
}

// Users reports how many users currently have tracked state.
func (f *Filter) Users() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.users)
}

func topicKeywords(candidate string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range tokenize(candidate) {
		if len(w) > topicWordLen {
			out[w] = struct{}{}
		}
	}
	return out
}

func topicOverlap(topics map[string]struct{}, tokens map[string]struct{}) float64 {
	if len(topics) == 0 {
		return 0
	}
	shared := 0
	for w := range topics {
		if _, ok := tokens[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(topics))
}

func inferSentiment(tokens map[string]struct{}) string {
	pos, neg := 0, 0
	for w := range tokens {
		if _, ok := positiveLexicon[w]; ok {
			pos++
		}
		if _, ok := negativeLexicon[w]; ok {
			neg++
		}
	}
	switch {
	case pos > neg:
		return "positive"
	case neg > pos:
		return "negative"
	default:
		return "neutral"
	}
}

func complexityOf(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	long := 0
	for _, w := range words {
		if len(w) > longWordLen {
			long++
		}
	}
	return float64(long) / float64(len(words))
}
