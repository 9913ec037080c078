// Package uniqueness detects repetitive replies per user and steers the
// system prompt away from them. It never rewrites a reply; its only
// output is a verdict plus textual guidance for the prompt assembler.
package uniqueness

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// signatureCacheLimit caps the memo cache; above it the lazy sweep evicts
// entries no live ring references.
const signatureCacheLimit = 1000

var wordPattern = regexp.MustCompile(`\w+`)

// Signature is a deterministic fingerprint of one reply: content hash,
// token set, sorted bigram list and word count.
type Signature struct {
	Hash      string
	Tokens    map[string]struct{}
	Bigrams   []string
	WordCount int
}

// tokenize lowercases and splits on word characters, keeping order.
func tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

func newSignature(text string) *Signature {
	words := tokenize(text)

	tokens := make(map[string]struct{}, len(words))
	for _, w := range words {
		tokens[w] = struct{}{}
	}

	seen := make(map[string]struct{})
	bigrams := make([]string, 0, len(words))
	for i := 0; i+1 < len(words); i++ {
		b := words[i] + " " + words[i+1]
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		bigrams = append(bigrams, b)
	}
	sort.Strings(bigrams)

	sum := sha256.Sum256([]byte(text))
	return &Signature{
		Hash:      hex.EncodeToString(sum[:]),
		Tokens:    tokens,
		Bigrams:   bigrams,
		WordCount: len(words),
	}
}

// signatureCache memoises content-hash → signature. Eviction is handled
// by the filter's lazy sweep, which knows which hashes live rings still
// reference.
type signatureCache struct {
	mu      sync.Mutex
	entries map[string]*Signature
}

func newSignatureCache() *signatureCache {
	return &signatureCache{entries: make(map[string]*Signature)}
}

func (c *signatureCache) get(text string) *Signature {
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	if sig, ok := c.entries[hash]; ok {
		return sig
	}
	sig := newSignature(text)
	c.entries[hash] = sig
	return sig
}

func (c *signatureCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep drops every entry whose hash is not in live. No-op below the
// cache limit.
func (c *signatureCache) sweep(live map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) <= signatureCacheLimit {
		return
	}
	for hash := range c.entries {
		if _, ok := live[hash]; !ok {
			delete(c.entries, hash)
		}
	}
}
