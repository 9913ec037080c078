package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// replyPool feeds generated completions. The pool leans conversational so
// mock transcripts read like chat rather than lorem ipsum.
var replyPool = [...]string{
	"sure", "happy", "to", "help", "with", "that", "the", "short", "answer",
	"is", "it", "depends", "on", "context", "broadly", "speaking", "you",
	"could", "also", "try", "another", "angle", "here", "which", "usually",
	"works", "well", "in", "practice", "hope", "this", "helps",
}

// reply builds a completion of roughly n words, sentence-cased.
func reply(n int) string {
	if n < 1 {
		n = 1
	}
	words := make([]string, n)
	for i := range words {
		words[i] = replyPool[rand.IntN(len(replyPool))]
	}
	s := strings.Join(words, " ") + "."
	return strings.ToUpper(s[:1]) + s[1:]
}

// wireMessage is the subset of an inbound chat message both mocks read.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// promptTokens approximates usage accounting: one token per word across
// every message content, never zero.
func promptTokens(messages []wireMessage) int {
	total := 0
	for _, m := range messages {
		total += len(strings.Fields(m.Content))
	}
	if total == 0 {
		return 1
	}
	return total
}

// delay applies the configured artificial latency.
func delay(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// unlucky rolls the configured error rate.
func unlucky(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

// respond writes v as JSON with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
