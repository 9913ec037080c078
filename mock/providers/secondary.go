package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// routerError writes the aggregator's error envelope: a numeric code
// mirroring the HTTP status plus a message. The real upstream uses this
// shape on every /api/v1 endpoint.
func routerError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg},
	})
}

// newSecondaryHandler returns an http.Handler that simulates the
// OpenRouter-style aggregator: chat completions, model catalogue,
// key-info and post-hoc generation stats, all under /api/v1.
func newSecondaryHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			routerError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		delay(cfg)
		if unlucky(cfg) {
			routerError(w, http.StatusInternalServerError, "mock internal server error")
			return
		}

		var req struct {
			Model    string        `json:"model"`
			Messages []wireMessage `json:"messages"`
			// Aggregator extensions accepted and ignored.
			Models    []string       `json:"models"`
			Provider  map[string]any `json:"provider"`
			Reasoning map[string]any `json:"reasoning"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routerError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Messages) == 0 {
			routerError(w, http.StatusBadRequest, "messages are required")
			return
		}

		model := req.Model
		if model == "" {
			model = "deepseek/deepseek-chat-v3.1:free"
		}
		inTokens := promptTokens(req.Messages)

		respond(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("gen-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": reply(cfg.ReplyWords),
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": cfg.ReplyWords,
				"total_tokens":      inTokens + cfg.ReplyWords,
			},
		})
	})

	// Model catalogue (also the health-probe target). Pricing is
	// transmitted as strings, zero for free models.
	mux.HandleFunc("/api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{
					"id":      "deepseek/deepseek-chat-v3.1:free",
					"name":    "DeepSeek V3.1 (free)",
					"pricing": map[string]string{"prompt": "0", "completion": "0"},
				},
				{
					"id":      "mistralai/mistral-small-3.2-24b-instruct:free",
					"name":    "Mistral Small 3.2 24B (free)",
					"pricing": map[string]string{"prompt": "0", "completion": "0"},
				},
				{
					"id":      "anthropic/claude-sonnet-4",
					"name":    "Claude Sonnet 4",
					"pricing": map[string]string{"prompt": "0.000003", "completion": "0.000015"},
				},
			},
		})
	})

	// Key info: paid status and remaining credit.
	mux.HandleFunc("/api/v1/key", func(w http.ResponseWriter, r *http.Request) {
		limit := 10.0
		remaining := 10.0
		respond(w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"label":           "mock-key",
				"usage":           0.0,
				"limit":           limit,
				"limit_remaining": remaining,
				"is_free_tier":    cfg.FreeTier,
				"rate_limit": map[string]any{
					"requests": 20,
					"interval": "10s",
				},
			},
		})
	})

	// Post-hoc generation stats. Times are in milliseconds.
	mux.HandleFunc("/api/v1/generation", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			routerError(w, http.StatusBadRequest, "id is required")
			return
		}
		respond(w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"id":                id,
				"model":             "deepseek/deepseek-chat-v3.1:free",
				"total_cost":        0.0,
				"tokens_prompt":     10,
				"tokens_completion": cfg.ReplyWords,
				"generation_time":   420,
				"latency":           650,
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		routerError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}
