package secondary

import "time"

// GenerationStats is the post-hoc accounting record the aggregator keeps
// per completion: real cost and timing, available shortly after the
// response itself.
type GenerationStats struct {
	ID               string
	Model            string
	TotalCost        float64
	PromptTokens     int
	CompletionTokens int
	GenerationTime   time.Duration
	Latency          time.Duration
}

// modelsResponse mirrors GET /models.
type modelsResponse struct {
	Data []modelEntry `json:"data"`
}

type modelEntry struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Pricing *modelPricing `json:"pricing,omitempty"`
}

// modelPricing carries per-token USD prices, transmitted as strings.
type modelPricing struct {
	Prompt     float64 `json:"prompt,string"`
	Completion float64 `json:"completion,string"`
}

// keyResponse mirrors GET /key.
type keyResponse struct {
	Data keyData `json:"data"`
}

type keyData struct {
	Label string  `json:"label"`
	Usage float64 `json:"usage"`
	// Limit is the configured spend ceiling; null means unlimited.
	Limit *float64 `json:"limit"`
	// LimitRemaining may go negative, which the upstream treats as
	// payment required.
	LimitRemaining *float64     `json:"limit_remaining"`
	IsFreeTier     bool         `json:"is_free_tier"`
	RateLimit      keyRateLimit `json:"rate_limit"`
}

type keyRateLimit struct {
	Requests int    `json:"requests"`
	Interval string `json:"interval"`
}

// generationResponse mirrors GET /generation?id=...
type generationResponse struct {
	Data generationData `json:"data"`
}

type generationData struct {
	ID               string  `json:"id"`
	Model            string  `json:"model"`
	TotalCost        float64 `json:"total_cost"`
	PromptTokens     int     `json:"tokens_prompt"`
	CompletionTokens int     `json:"tokens_completion"`
	// generation_time and latency arrive in milliseconds.
	GenerationTime int `json:"generation_time"`
	Latency        int `json:"latency"`
}

// errorResponse is the error envelope of the raw endpoints.
type errorResponse struct {
	Error *apiErr `json:"error,omitempty"`
}

type apiErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
