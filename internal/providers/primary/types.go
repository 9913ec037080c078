package primary

import (
	"github.com/parleybot/parley/internal/providers"
)

// chatRequest is the exact wire payload for the primary provider. The
// upstream rejects requests carrying top_p, frequency_penalty,
// presence_penalty, stop or repetition_penalty, so those fields do not
// exist here at all.
type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Tools       []providers.Tool    `json:"tools,omitempty"`
	ToolChoice  string              `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type chatMessage struct {
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	ToolCalls []providers.ToolCall `json:"tool_calls,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type modelsResponse struct {
	Data []modelEntry `json:"data"`
}

type modelEntry struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Pricing *modelPricing `json:"pricing,omitempty"`
}

type modelPricing struct {
	Prompt     float64 `json:"prompt,string"`
	Completion float64 `json:"completion,string"`
}
