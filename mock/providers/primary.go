package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// forbiddenPrimaryParams are sampler fields the real primary upstream
// rejects outright. The mock rejects them too so a leaking field shows up
// in E2E runs instead of production.
var forbiddenPrimaryParams = []string{
	"top_p", "frequency_penalty", "presence_penalty", "stop", "repetition_penalty",
}

// primaryError writes the OpenAI-style envelope the primary upstream
// uses: message, a type derived from the status class, and a string code.
func primaryError(w http.ResponseWriter, status int, msg, code string) {
	typ := "invalid_request_error"
	if status >= http.StatusInternalServerError {
		typ = "server_error"
	}
	respond(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": typ, "code": code},
	})
}

// newPrimaryHandler returns an http.Handler that simulates the primary
// text API: POST /openai for completions, GET /models for the catalogue.
func newPrimaryHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/openai", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			primaryError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		delay(cfg)
		if unlucky(cfg) {
			primaryError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var raw map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			primaryError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		for _, p := range forbiddenPrimaryParams {
			if _, ok := raw[p]; ok {
				primaryError(w, http.StatusBadRequest,
					fmt.Sprintf("unsupported parameter: %s", p), "invalid_request")
				return
			}
		}

		var req struct {
			Model    string        `json:"model"`
			Messages []wireMessage `json:"messages"`
		}
		reqBytes, _ := json.Marshal(raw)
		if err := json.Unmarshal(reqBytes, &req); err != nil || len(req.Messages) == 0 {
			primaryError(w, http.StatusBadRequest, "messages are required", "invalid_request")
			return
		}

		model := req.Model
		if model == "" {
			model = "openai"
		}
		inTokens := promptTokens(req.Messages)

		respond(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("pllns-mock%x", rand.Int64()),
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

	// Model catalogue (also the health-probe target).
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "openai", "name": "OpenAI GPT-4o Mini"},
				{"id": "openai-large", "name": "OpenAI GPT-4o"},
				{"id": "mistral", "name": "Mistral Small"},
				{"id": "evil", "name": "Evil (uncensored)"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		primaryError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}
