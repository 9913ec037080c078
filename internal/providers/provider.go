// Package providers defines the contract shared by the agent's upstream
// text-generation providers.
//
// The provider set is closed: one primary endpoint (restricted parameter
// surface, fast and free) and one secondary endpoint (full OpenAI parameter
// set plus routing extensions). Each lives in its own sub-package and
// implements the Client interface.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// Provider names. These are the only two values a Client.Name may return
// and the only keys the router, guard and metrics track.
const (
	Primary   = "primary"
	Secondary = "secondary"
)

// Reasoning effort levels accepted by the secondary provider.
const (
	EffortXHigh   = "xhigh"
	EffortHigh    = "high"
	EffortMedium  = "medium"
	EffortLow     = "low"
	EffortMinimal = "minimal"
	EffortNone    = "none"
)

// CatalogTTL bounds how long a fetched model catalogue is served from
// memory before a refresh.
const CatalogTTL = time.Hour

type (
	// Message is a single conversation turn. Content is always present —
	// an assistant turn that carries only tool calls still transmits
	// content as the empty string, never null.
	Message struct {
		Role       string     `json:"role"`
		Content    string     `json:"content"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
	}

	// ToolCall is an assistant-requested function invocation.
	ToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function FunctionCall `json:"function"`
	}

	// FunctionCall carries the function name and raw JSON arguments.
	FunctionCall struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// Tool is an OpenAI-style tool schema offered to the model.
	Tool struct {
		Type     string         `json:"type"`
		Function ToolDefinition `json:"function"`
	}

	// ToolDefinition describes one callable function.
	ToolDefinition struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Reasoning controls the secondary provider's reasoning-token budget.
	// The zero value (Enabled=false) is what the client transmits when the
	// caller does not override it.
	Reasoning struct {
		Enabled   bool   `json:"enabled"`
		Effort    string `json:"effort,omitempty"`
		MaxTokens int    `json:"max_tokens,omitempty"`
		Exclude   bool   `json:"exclude,omitempty"`
	}

	// RoutePreferences are the secondary provider's upstream-routing
	// preferences, transmitted as the "provider" extension object.
	RoutePreferences struct {
		Order          []string `json:"order,omitempty"`
		AllowFallbacks *bool    `json:"allow_fallbacks,omitempty"`
		Sort           string   `json:"sort,omitempty"`
		DataCollection string   `json:"data_collection,omitempty"`
	}

	// TextRequest — normalized generation request. Each client transmits
	// only the fields its upstream accepts: the primary sends model,
	// messages, temperature, max_tokens and tools; the secondary sends
	// the full set plus the extension objects.
	TextRequest struct {
		Model       string
		Messages    []Message
		Temperature float64
		MaxTokens   int
		Tools       []Tool
		ToolChoice  string

		// Full OpenAI parameter set; the primary client never
		// transmits these.
		TopP             float64
		FrequencyPenalty float64
		PresencePenalty  float64
		Stop             []string

		// Secondary-only extensions.
		Reasoning      *Reasoning
		Routing        *RoutePreferences
		FallbackModels []string
		User           string

		// Timeout bounds each HTTP attempt. Zero means the client's
		// configured text timeout.
		Timeout   time.Duration
		RequestID string
	}

	// TextResponse — normalized generation response.
	TextResponse struct {
		ID        string
		Provider  string
		Model     string
		Content   string
		ToolCalls []ToolCall
		Usage     Usage
	}

	// Model is one entry of a provider's model catalogue.
	Model struct {
		ID      string
		Name    string
		Pricing *ModelPricing
	}

	// ModelPricing is per-token pricing in USD. Zero for free models.
	ModelPricing struct {
		Prompt     float64
		Completion float64
	}

	// HealthStatus is the result of a single health probe.
	HealthStatus struct {
		Healthy      bool
		Kind         string
		ResponseTime time.Duration
		CheckedAt    time.Time
	}

	// KeyLimits is a snapshot of the secondary provider's key-info
	// endpoint. RemainingCredit may be negative, which signals that
	// further paid requests will be refused upstream.
	KeyLimits struct {
		Label           string
		Usage           float64
		Limit           *float64
		RemainingCredit *float64
		IsFreeTier      bool
		RateLimit       int
		RateInterval    string
		FetchedAt       time.Time
	}

	// Descriptor holds a provider's static transport facts, used by the
	// router, admission guard and ops surface.
	Descriptor struct {
		Name           string
		BaseURL        string
		TextTimeout    time.Duration
		HealthTimeout  time.Duration
		PerMinuteLimit int
		DefaultModel   string
		SupportsTools  bool
		SupportsImages bool
		// QuotaTracked marks providers whose free-tier usage is counted
		// against a daily allowance.
		QuotaTracked bool
	}
)

// Client — upstream text provider. Implementations never switch
// providers and never retry beyond their own attempt budget; cross-provider
// failover belongs to the router.
type Client interface {
	Name() string
	Descriptor() Descriptor

	// ResolveModel maps the caller's model (possibly empty) to the model
	// actually transmitted, substituting the tool-capable default when
	// tools are requested for a model outside the allow-list.
	ResolveModel(model string, wantTools bool) string

	// HealthProbe issues a cheap catalogue GET under the health timeout.
	// It never returns an error; failures are encoded in the status kind.
	HealthProbe(ctx context.Context) HealthStatus

	GenerateText(ctx context.Context, req *TextRequest) (*TextResponse, error)

	// Limits returns the provider's quota snapshot. Providers without a
	// key-info endpoint return an empty snapshot.
	Limits(ctx context.Context) (*KeyLimits, error)

	// Models returns the cached model catalogue.
	Models(ctx context.Context) ([]Model, error)
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
