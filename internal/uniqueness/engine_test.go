package uniqueness

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestNewEngine_Selection(t *testing.T) {
	if got := NewEngine("legacy").Name(); got != "legacy" {
		t.Errorf("NewEngine(legacy).Name() = %s", got)
	}
	if got := NewEngine("").Name(); got != "advanced" {
		t.Errorf("NewEngine(\"\").Name() = %s, want advanced", got)
	}
	if got := NewEngine("advanced").Name(); got != "advanced" {
		t.Errorf("NewEngine(advanced).Name() = %s", got)
	}
}

func TestJaccard(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "a b c", "a b c", 1},
		{"disjoint", "a b c", "x y z", 0},
		{"partial", "a b c d", "c d e f", 1.0 / 3.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := jaccard(newSignature(tc.a).Tokens, newSignature(tc.b).Tokens)
			if !almostEqual(got, tc.want) {
				t.Errorf("jaccard = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestJaccard_BothEmpty(t *testing.T) {
	if got := jaccard(nil, nil); got != 0 {
		t.Errorf("jaccard(∅,∅) = %f, want 0", got)
	}
}

func TestAdvancedSimilarity_IdenticalClampsToOne(t *testing.T) {
	sig := newSignature("the quick brown fox jumps")
	if got := (advancedEngine{}).Similarity(sig, sig); got != 1 {
		t.Errorf("similarity of identical signatures = %f, want clamped 1.0", got)
	}
}

func TestAdvancedSimilarity_Blend(t *testing.T) {
	// jaccard 4/8 = 0.5, phrase overlap 3/5 = 0.6, equal length.
	a := newSignature("red house near green lake shore")
	b := newSignature("blue house near green lake path")

	got := (advancedEngine{}).Similarity(a, b)
	want := 0.5 + 0.2*0.6 + 0.1*1.0
	if !almostEqual(got, want) {
		t.Errorf("similarity = %f, want %f", got, want)
	}
}

func TestAdvancedThreshold(t *testing.T) {
	e := advancedEngine{}
	cases := []struct {
		name  string
		stats ThresholdStats
		want  float64
	}{
		{"baseline", ThresholdStats{}, 0.75},
		{"busy_user", ThresholdStats{Frequency: 0.2}, 0.80},
		{"complex_conversation", ThresholdStats{Complexity: 0.8}, 0.80},
		{"wide_vocabulary", ThresholdStats{VocabularySize: 60}, 0.78},
		{"busy_and_complex", ThresholdStats{Frequency: 0.2, Complexity: 0.8}, 0.85},
		{"everything_caps", ThresholdStats{Frequency: 0.2, Complexity: 0.8, VocabularySize: 60}, 0.85},
		{"boundary_not_crossed", ThresholdStats{Frequency: 0.1, Complexity: 0.7, VocabularySize: 50}, 0.75},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Threshold(baseThreshold, tc.stats)
			if !almostEqual(got, tc.want) {
				t.Errorf("threshold = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestLegacyEngine_PlainJaccard(t *testing.T) {
	e := legacyEngine{}
	a := newSignature("red house near green lake shore")
	b := newSignature("blue house near green lake path")

	if got := e.Similarity(a, b); !almostEqual(got, 0.5) {
		t.Errorf("legacy similarity = %f, want the bare jaccard 0.5", got)
	}
	if got := e.Threshold(baseThreshold, ThresholdStats{Frequency: 1, Complexity: 1, VocabularySize: 1000}); got != baseThreshold {
		t.Errorf("legacy threshold = %f, want fixed %f", got, baseThreshold)
	}
}

func TestPhraseOverlap_Empty(t *testing.T) {
	if got := phraseOverlap(nil, []string{"a b"}); got != 0 {
		t.Errorf("phraseOverlap(∅, x) = %f, want 0", got)
	}
}

func TestRelativeLengthDiff(t *testing.T) {
	if got := relativeLengthDiff(10, 10); got != 0 {
		t.Errorf("equal lengths → %f, want 0", got)
	}
	if got := relativeLengthDiff(5, 10); !almostEqual(got, 0.5) {
		t.Errorf("5 vs 10 → %f, want 0.5", got)
	}
	if got := relativeLengthDiff(0, 0); got != 0 {
		t.Errorf("0 vs 0 → %f, want 0", got)
	}
}
