package uniqueness

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
)

func newTestFilter() *Filter {
	return New(Config{})
}

func TestShouldEnhance_ExactRepetition(t *testing.T) {
	f := newTestFilter()
	f.RecordResponse("u1", "lol same joke")

	dec := f.ShouldEnhance("u1", "lol same joke")
	if !dec.Enhance {
		t.Fatal("byte-exact repeat must be flagged")
	}
	if dec.Reason != "Exact content repetition" {
		t.Errorf("reason = %q, want %q", dec.Reason, "Exact content repetition")
	}
}

func TestShouldEnhance_TooShort(t *testing.T) {
	f := newTestFilter()
	f.RecordResponse("u1", "lol same joke")

	if dec := f.ShouldEnhance("u1", "lol"); dec.Enhance {
		t.Errorf("3-character quip is too short to evaluate, got %+v", dec)
	}
	if dec := f.ShouldEnhance("u1", "three little words"); dec.Enhance {
		t.Errorf("sub-4-token candidate without an exact match must pass, got %+v", dec)
	}
}

func TestShouldEnhance_SemanticSimilarity(t *testing.T) {
	f := newTestFilter()
	f.RecordResponse("u1", "the quick brown fox jumps over the lazy dog")

	dec := f.ShouldEnhance("u1", "the quick brown fox jumps over the lazy cat")
	if !dec.Enhance {
		t.Fatal("nearly identical reply should be flagged")
	}
	if dec.Reason != ReasonSemantic {
		t.Errorf("reason = %q, want %q", dec.Reason, ReasonSemantic)
	}
}

func TestShouldEnhance_ConceptualRepetition(t *testing.T) {
	f := newTestFilter()
	// similarity 0.72: below the 0.75 semantic threshold, above the 0.65
	// conceptual floor, same topic and identical word count.
	f.RecordResponse("u1", "red house near green lake shore")

	dec := f.ShouldEnhance("u1", "blue house near green lake path")
	if !dec.Enhance {
		t.Fatal("same-shaped reply about the same topic should be flagged")
	}
	if dec.Reason != ReasonConceptual {
		t.Errorf("reason = %q, want %q", dec.Reason, ReasonConceptual)
	}
}

func TestShouldEnhance_FreshContentPasses(t *testing.T) {
	f := newTestFilter()
	f.RecordResponse("u1", "the quick brown fox jumps over the lazy dog")

	if dec := f.ShouldEnhance("u1", "completely unrelated subject matter entirely"); dec.Enhance {
		t.Errorf("unrelated reply should pass, got reason %q", dec.Reason)
	}
}

func TestShouldEnhance_OnlyComparesLastSeven(t *testing.T) {
	f := newTestFilter()
	f.RecordResponse("u1", "this exact sentence will be evicted")
	for i := 0; i < ringCapacity; i++ {
		f.RecordResponse("u1", fmt.Sprintf("filler reply number %d pushing the ring", i))
	}

	if dec := f.ShouldEnhance("u1", "this exact sentence will be evicted"); dec.Enhance {
		t.Error("signatures evicted from the 7-slot ring must not match")
	}
}

func TestShouldEnhance_UnknownUser(t *testing.T) {
	f := newTestFilter()
	if dec := f.ShouldEnhance("nobody", "anything goes here tonight"); dec.Enhance {
		t.Errorf("no history means nothing to repeat, got %+v", dec)
	}
	if f.Users() != 0 {
		t.Error("ShouldEnhance must not create user state")
	}
}

func TestShouldEnhance_PerUserIsolation(t *testing.T) {
	f := newTestFilter()
	f.RecordResponse("u1", "a reply that belongs to user one")

	if dec := f.ShouldEnhance("u2", "a reply that belongs to user one"); dec.Enhance {
		t.Error("one user's history must not flag another user's candidate")
	}
}

func TestRecordResponse_RingIsFIFO(t *testing.T) {
	f := newTestFilter()
	for i := 0; i < ringCapacity+3; i++ {
		f.RecordResponse("u1", fmt.Sprintf("distinct reply number %d here", i))
	}

	st := f.lookup("u1")
	if st == nil {
		t.Fatal("user state missing")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.ring) != ringCapacity {
		t.Errorf("ring length = %d, want %d", len(st.ring), ringCapacity)
	}
	oldest := newSignature("distinct reply number 3 here")
	if st.ring[0].Hash != oldest.Hash {
		t.Error("ring should evict oldest first")
	}
}

func TestRecordResponse_LengthEMA(t *testing.T) {
	f := newTestFilter()
	f.RecordResponse("u1", strings.Repeat("word ", 10))
	f.RecordResponse("u1", strings.Repeat("word ", 20))

	st := f.lookup("u1")
	st.mu.Lock()
	defer st.mu.Unlock()
	// First sample seeds the EMA; second folds in with α=0.2.
	if want := 12.0; math.Abs(st.avgLength-want) > 1e-9 {
		t.Errorf("length EMA = %f, want %f", st.avgLength, want)
	}
}

func TestRecordResponse_FrequencyEMA(t *testing.T) {
	f := newTestFilter()
	base := time.Now()
	f.now = func() time.Time { return base }
	f.RecordResponse("u1", "first reply from this user")

	f.now = func() time.Time { return base.Add(time.Second) }
	f.RecordResponse("u1", "second reply from this user")

	st := f.lookup("u1")
	st.mu.Lock()
	defer st.mu.Unlock()
	// One-second gap → instantaneous rate 1.0, EMA = 0.1·1.0.
	if st.frequency != 0.1 {
		t.Errorf("frequency EMA = %f, want 0.1", st.frequency)
	}
}

func TestRecordResponse_VocabularyBounded(t *testing.T) {
	f := newTestFilter()
	var words []string
	for i := 0; i < vocabularyLimit+20; i++ {
		words = append(words, fmt.Sprintf("word%03d", i))
	}
	f.RecordResponse("u1", strings.Join(words, " "))

	st := f.lookup("u1")
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.vocabulary) != vocabularyLimit {
		t.Errorf("vocabulary size = %d, want %d", len(st.vocabulary), vocabularyLimit)
	}
	if st.vocabulary[len(st.vocabulary)-1] != fmt.Sprintf("word%03d", vocabularyLimit+19) {
		t.Error("vocabulary should keep the most recent words")
	}
	if _, ok := st.vocabSet["word000"]; ok {
		t.Error("trimmed words must leave the membership set")
	}
}

func TestRecordResponse_Sentiment(t *testing.T) {
	cases := []struct {
		reply string
		want  string
	}{
		{"this is awesome great wonderful stuff", "positive"},
		{"what a terrible awful horrible mess", "negative"},
		{"the packet arrives at the router", "neutral"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			f := newTestFilter()
			f.RecordResponse("u1", tc.reply)

			st := f.lookup("u1")
			st.mu.Lock()
			defer st.mu.Unlock()
			if st.sentiment != tc.want {
				t.Errorf("sentiment = %q, want %q", st.sentiment, tc.want)
			}
		})
	}
}

func TestRecordResponse_Complexity(t *testing.T) {
	f := newTestFilter()
	// 2 of 4 words are longer than six characters.
	f.RecordResponse("u1", "complicated reasoning is rare")

	st := f.lookup("u1")
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.complexity != 0.5 {
		t.Errorf("complexity = %f, want 0.5", st.complexity)
	}
}

func TestEnhanceSystemPrompt_EmptyStateUnchanged(t *testing.T) {
	f := newTestFilter()
	base := "You are J."
	if got := f.EnhanceSystemPrompt("unknown", base); got != base {
		t.Errorf("prompt changed without user data: %q", got)
	}
}

func TestEnhanceSystemPrompt_InsufficientDataUnchanged(t *testing.T) {
	f := newTestFilter()
	f.RecordResponse("u1", "ok then")

	base := "You are J."
	if got := f.EnhanceSystemPrompt("u1", base); got != base {
		t.Errorf("one short neutral reply is not meaningful data, got %q", got)
	}
}

func TestEnhanceSystemPrompt_AppendsGuidance(t *testing.T) {
	f := newTestFilter()
	f.RecordResponse("u1", "first reply about the weather today")
	f.RecordResponse("u1", "second reply about sports and games")
	f.RecordResponse("u1", "third reply about food and drinks")

	base := "You are J."
	got := f.EnhanceSystemPrompt("u1", base)
	if !strings.HasPrefix(got, base) {
		t.Error("base prompt must be preserved verbatim at the front")
	}
	if !strings.Contains(got, "Internal Guidance:") {
		t.Errorf("missing guidance section: %q", got)
	}
	if !strings.Contains(got, "fresh perspective") {
		t.Errorf("three recorded replies should produce the perspective hint: %q", got)
	}
}

func TestEnhanceSystemPrompt_SentimentAloneIsMeaningful(t *testing.T) {
	f := newTestFilter()
	f.RecordResponse("u1", "terrible awful bad")

	got := f.EnhanceSystemPrompt("u1", "You are J.")
	if !strings.Contains(got, "Internal Guidance:") {
		t.Errorf("non-neutral sentiment should unlock guidance: %q", got)
	}
	if !strings.Contains(got, "negative") {
		t.Errorf("sentiment hint should name the leaning: %q", got)
	}
}

func TestCleanup_EvictsIdleUsers(t *testing.T) {
	f := newTestFilter()
	base := time.Now()
	f.now = func() time.Time { return base }
	f.RecordResponse("idle", "a reply from the idle user")
	f.RecordResponse("active", "a reply from the active user")

	// Two hours later only the user who speaks again survives.
	later := base.Add(2 * time.Hour)
	f.now = func() time.Time { return later }
	f.gcMu.Lock()
	f.lastGC = base
	f.gcMu.Unlock()
	f.RecordResponse("active", "the active user speaks again")

	if got := f.Users(); got != 1 {
		t.Errorf("tracked users = %d, want 1 after eviction", got)
	}
	if f.lookup("idle") != nil {
		t.Error("idle user should be gone")
	}
	if f.lookup("active") == nil {
		t.Error("active user should remain")
	}
}

func TestCleanup_RespectsInterval(t *testing.T) {
	f := newTestFilter()
	base := time.Now()
	f.now = func() time.Time { return base }
	f.RecordResponse("idle", "a reply from the idle user")

	// Five minutes is inside the cleanup interval: nothing is evicted
	// even though the idle threshold has notionally passed.
	f.now = func() time.Time { return base.Add(5 * time.Minute) }
	f.gcMu.Lock()
	f.lastGC = base
	f.gcMu.Unlock()
	f.RecordResponse("other", "another user speaks")

	if got := f.Users(); got != 2 {
		t.Errorf("tracked users = %d, want 2 (no GC inside the interval)", got)
	}
}

func TestLegacyFilter_ExactStillFlags(t *testing.T) {
	f := New(Config{Engine: "legacy"})
	f.RecordResponse("u1", "the same sentence appears twice")

	dec := f.ShouldEnhance("u1", "the same sentence appears twice")
	if !dec.Enhance || dec.Reason != ReasonExact {
		t.Errorf("legacy engine keeps exact detection, got %+v", dec)
	}
	if f.Engine() != "legacy" {
		t.Errorf("engine = %s, want legacy", f.Engine())
	}
}
