package uniqueness

// ThresholdStats is the per-user context an engine may use to adapt its
// similarity threshold.
type ThresholdStats struct {
	// Frequency is the interaction-frequency EMA.
	Frequency float64
	// Complexity is the share of long words in recent replies, in [0,1].
	Complexity float64
	// VocabularySize is the number of recently used words on record.
	VocabularySize int
}

// SimilarityEngine scores how close two reply signatures are and decides
// which threshold flags a repeat. Two implementations exist: the advanced
// engine (default) and a legacy plain-Jaccard one kept for comparison
// runs.
type SimilarityEngine interface {
	Name() string
	Similarity(a, b *Signature) float64
	Threshold(base float64, stats ThresholdStats) float64
}

// NewEngine selects an engine by name; anything but "legacy" yields the
// advanced engine.
func NewEngine(name string) SimilarityEngine {
	if name == "legacy" {
		return legacyEngine{}
	}
	return advancedEngine{}
}

// advancedEngine blends token Jaccard with phrase overlap and length
// proximity, and raises the threshold for busy, complex or wide-vocabulary
// conversations.
type advancedEngine struct{}

func (advancedEngine) Name() string { return "advanced" }

func (advancedEngine) Similarity(a, b *Signature) float64 {
	sim := jaccard(a.Tokens, b.Tokens) +
		0.2*phraseOverlap(a.Bigrams, b.Bigrams) +
		0.1*(1-relativeLengthDiff(a.WordCount, b.WordCount))
	if sim > 1 {
		sim = 1
	}
	return sim
}

func (advancedEngine) Threshold(base float64, stats ThresholdStats) float64 {
	t := base
	if stats.Frequency > 0.1 {
		t += 0.05
	}
	if stats.Complexity > 0.7 {
		t += 0.05
	}
	if stats.VocabularySize > 50 {
		t += 0.03
	}
	if t > 0.85 {
		t = 0.85
	}
	return t
}

// legacyEngine is the original detector: token Jaccard at a fixed
// threshold, no phrase or length terms.
type legacyEngine struct{}

func (legacyEngine) Name() string { return "legacy" }

func (legacyEngine) Similarity(a, b *Signature) float64 {
	return jaccard(a.Tokens, b.Tokens)
}

func (legacyEngine) Threshold(base float64, _ ThresholdStats) float64 {
	return base
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// phraseOverlap is the share of the smaller bigram set that reappears in
// the other reply.
func phraseOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, bg := range a {
		set[bg] = struct{}{}
	}
	shared := 0
	for _, bg := range b {
		if _, ok := set[bg]; ok {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(shared) / float64(smaller)
}

func relativeLengthDiff(a, b int) float64 {
	if a == 0 && b == 0 {
		return 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	longer := a
	if b > longer {
		longer = b
	}
	return float64(diff) / float64(longer)
}
