package uniqueness

import (
	"fmt"
	"testing"
)

func TestSignature_Deterministic(t *testing.T) {
	a := newSignature("The quick brown fox")
	b := newSignature("The quick brown fox")

	if a.Hash != b.Hash {
		t.Errorf("hashes differ: %s vs %s", a.Hash, b.Hash)
	}
	if a.WordCount != b.WordCount {
		t.Errorf("word counts differ: %d vs %d", a.WordCount, b.WordCount)
	}
	if len(a.Tokens) != len(b.Tokens) {
		t.Errorf("token sets differ: %d vs %d", len(a.Tokens), len(b.Tokens))
	}
}

func TestSignature_TokensLowercased(t *testing.T) {
	sig := newSignature("Hello, WORLD! hello")

	if sig.WordCount != 3 {
		t.Errorf("word count = %d, want 3", sig.WordCount)
	}
	if len(sig.Tokens) != 2 {
		t.Errorf("unique tokens = %d, want 2", len(sig.Tokens))
	}
	for _, w := range []string{"hello", "world"} {
		if _, ok := sig.Tokens[w]; !ok {
			t.Errorf("token %q missing", w)
		}
	}
}

func TestSignature_BigramsSorted(t *testing.T) {
	sig := newSignature("c b a")

	want := []string{"b a", "c b"}
	if len(sig.Bigrams) != len(want) {
		t.Fatalf("bigrams = %v, want %v", sig.Bigrams, want)
	}
	for i, bg := range want {
		if sig.Bigrams[i] != bg {
			t.Errorf("bigram[%d] = %q, want %q", i, sig.Bigrams[i], bg)
		}
	}
}

func TestSignature_EmptyText(t *testing.T) {
	sig := newSignature("")
	if sig.WordCount != 0 || len(sig.Tokens) != 0 || len(sig.Bigrams) != 0 {
		t.Errorf("empty text should produce an empty signature, got %+v", sig)
	}
	if sig.Hash == "" {
		t.Error("hash must still be set")
	}
}

func TestSignatureCache_Memoises(t *testing.T) {
	c := newSignatureCache()

	first := c.get("same text both times")
	second := c.get("same text both times")
	if first != second {
		t.Error("cache should return the identical signature instance")
	}
	if c.len() != 1 {
		t.Errorf("cache holds %d entries, want 1", c.len())
	}
}

func TestSignatureCache_SweepKeepsLiveEntries(t *testing.T) {
	c := newSignatureCache()

	live := make(map[string]struct{})
	for i := 0; i < signatureCacheLimit+100; i++ {
		sig := c.get(fmt.Sprintf("reply number %d", i))
		if i < 5 {
			live[sig.Hash] = struct{}{}
		}
	}

	c.sweep(live)
	if got := c.len(); got != 5 {
		t.Errorf("cache holds %d entries after sweep, want the 5 live ones", got)
	}
}

func TestSignatureCache_SweepNoopBelowLimit(t *testing.T) {
	c := newSignatureCache()
	for i := 0; i < 10; i++ {
		c.get(fmt.Sprintf("reply %d", i))
	}

	c.sweep(map[string]struct{}{})
	if got := c.len(); got != 10 {
		t.Errorf("sweep below the limit should be a no-op, got %d entries", got)
	}
}
