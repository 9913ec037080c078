// Package secondary implements the agent's secondary text provider: an
// OpenRouter-style aggregator speaking the full OpenAI chat API plus
// routing extensions (reasoning budgets, provider preferences, fallback
// model lists, abuse-tracking identifiers).
//
// Chat completions go through the official SDK; the aggregator-specific
// endpoints (/models pricing, /key quota, /generation stats) are plain
// GETs against the same base URL.
package secondary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	gocache "github.com/patrickmn/go-cache"

	"github.com/parleybot/parley/internal/latency"
	"github.com/parleybot/parley/internal/providers"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"

	// maxAttempts is the secondary's whole retry budget. This provider is
	// the last line before all_providers_failed, so it gets patience.
	maxAttempts = 5

	// retryBase seeds the exponential backoff between attempts.
	retryBase = time.Second

	// maxFallbackModels caps the fallback list transmitted alongside the
	// chosen model. The upstream bills per listed model on some plans.
	maxFallbackModels = 3

	keyInfoTTL = 5 * time.Minute
	keyInfoKey = "key"
)

// Daily free-model allowances. These are upstream policy, not
// configuration: 50 requests/day for keys that never bought credit, 1000
// once a minimum credit purchase has been made.
const (
	FreeTierDailyLimit = 50
	CreditedDailyLimit = 1000
)

// freeModelSuffix marks models billed against the daily free allowance.
const freeModelSuffix = ":free"

// IsFreeModel reports whether the given model is billed against the
// secondary provider's daily free allowance.
func IsFreeModel(model string) bool {
	return strings.HasSuffix(model, freeModelSuffix)
}

// DailyLimit returns the free-model daily allowance for the given tier.
func DailyLimit(isFreeTier bool) int {
	if isFreeTier {
		return FreeTierDailyLimit
	}
	return CreditedDailyLimit
}

// Config holds the secondary client's transport settings.
type Config struct {
	BaseURL        string
	APIKey         string
	SiteURL        string // attribution, sent as HTTP-Referer
	AppName        string // attribution, sent as X-Title
	TextTimeout    time.Duration
	HealthTimeout  time.Duration
	PerMinuteLimit int
	DefaultModel   string
}

// Client is the secondary provider client.
type Client struct {
	cfg        Config
	sdk        openaiSDK.Client
	httpClient *http.Client
	toolModels *providers.ModelList
	toolModel  string
	catalog    *providers.Catalog
	keyCache   *gocache.Cache

	// onRateLimited fires once per upstream 429 so the quota guard can
	// count it against the daily allowance.
	onRateLimited func()

	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

// WithHTTPClient replaces the transport for both the SDK and the raw
// endpoints, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithToolModels restricts which models may receive tools and names the
// model substituted for the rest. The default is no restriction.
func WithToolModels(list *providers.ModelList, fallback string) Option {
	return func(c *Client) {
		c.toolModels = list
		c.toolModel = fallback
	}
}

// WithRateLimitHook registers a callback fired on every upstream 429.
func WithRateLimitHook(fn func()) Option {
	return func(c *Client) { c.onRateLimited = fn }
}

// WithSleep replaces the inter-attempt sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a secondary client. Request timeouts are enforced per
// attempt via context, so neither the SDK nor the raw http.Client carries
// a global timeout.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.TextTimeout <= 0 {
		cfg.TextTimeout = 60 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 10 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		keyCache:   gocache.New(keyInfoTTL, 2*keyInfoTTL),
	}
	for _, o := range opts {
		o(c)
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(c.httpClient),
		// Retry discipline lives in GenerateText, not in the SDK.
		option.WithMaxRetries(0),
	}
	if cfg.SiteURL != "" {
		sdkOpts = append(sdkOpts, option.WithHeader("HTTP-Referer", cfg.SiteURL))
	}
	if cfg.AppName != "" {
		sdkOpts = append(sdkOpts, option.WithHeader("X-Title", cfg.AppName))
	}
	c.sdk = openaiSDK.NewClient(sdkOpts...)

	c.catalog = providers.NewCatalog(c.fetchModels)
	return c
}

func (c *Client) Name() string { return providers.Secondary }

func (c *Client) Descriptor() providers.Descriptor {
	return providers.Descriptor{
		Name:           providers.Secondary,
		BaseURL:        c.cfg.BaseURL,
		TextTimeout:    c.cfg.TextTimeout,
		HealthTimeout:  c.cfg.HealthTimeout,
		PerMinuteLimit: c.cfg.PerMinuteLimit,
		DefaultModel:   c.cfg.DefaultModel,
		SupportsTools:  true,
		SupportsImages: true,
		QuotaTracked:   true,
	}
}

// ResolveModel applies the default model and, when an allow-list is
// configured, the tool-capability substitution rule. Without a list every
// model is assumed tool-capable — the aggregator routes tools itself.
func (c *Client) ResolveModel(model string, wantTools bool) string {
	if model == "" {
		model = c.cfg.DefaultModel
	}
	if wantTools && c.toolModels != nil && !c.toolModels.Contains(model) {
		return c.toolModel
	}
	return model
}

// HealthProbe issues GET /models under the health timeout. Failures are
// encoded in the status kind, never returned as errors.
func (c *Client) HealthProbe(ctx context.Context) providers.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	start := time.Now()
	st := providers.HealthStatus{CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		st.Kind = "request_error"
		return st
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	st.ResponseTime = time.Since(start)
	if err != nil {
		st.Kind = providers.HealthKind(0, err)
		return st
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		st.Kind = providers.HealthKind(resp.StatusCode, nil)
		return st
	}
	st.Healthy = true
	return st
}

// GenerateText runs one completion request with up to five attempts.
// 429 backs off under the rate-limit cap and counts against the daily
// allowance; 5xx and transport failures back off under the service-down
// cap; a 404 "all providers ignored" earns exactly one retry with the
// provider preferences stripped. Everything else returns immediately.
func (c *Client) GenerateText(ctx context.Context, req *providers.TextRequest) (*providers.TextResponse, error) {
	model := c.ResolveModel(req.Model, len(req.Tools) > 0)
	if req.Model != "" && model != req.Model {
		slog.InfoContext(ctx, "tool_model_substitution",
			slog.String("provider", providers.Secondary),
			slog.String("requested", req.Model),
			slog.String("substituted", model),
		)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.TextTimeout
	}

	stripRouting := false
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.doChat(ctx, c.buildParams(model, req, stripRouting), timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *providers.APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}

		var delayCap time.Duration
		switch apiErr.Class {
		case providers.ClassRecoverable:
			if stripRouting || req.Routing == nil {
				return nil, err
			}
			stripRouting = true
			slog.WarnContext(ctx, "provider_preferences_stripped",
				slog.String("provider", providers.Secondary),
				slog.String("model", model),
			)
			continue
		case providers.ClassRateLimited:
			if c.onRateLimited != nil {
				c.onRateLimited()
			}
			delayCap = latency.RateLimitCap
		case providers.ClassTransientUpstream, providers.ClassTransientNetwork:
			delayCap = latency.ServiceDownCap
		default:
			return nil, err
		}

		if attempt == maxAttempts-1 {
			break
		}
		if serr := c.sleep(ctx, latency.RetryDelay(attempt, retryBase, delayCap)); serr != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) doChat(ctx context.Context, params openaiSDK.ChatCompletionNewParams, timeout time.Duration) (*providers.TextResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.toAPIError(err)
	}

	out := &providers.TextResponse{
		ID:       resp.ID,
		Provider: providers.Secondary,
		Model:    resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		out.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: providers.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}
	return out, nil
}

// buildParams shapes the SDK payload. The typed fields cover the standard
// OpenAI surface; everything aggregator-specific travels as extra fields
// merged into the top-level JSON.
func (c *Client) buildParams(model string, req *providers.TextRequest, stripRouting bool) openaiSDK.ChatCompletionNewParams {
	params := openaiSDK.ChatCompletionNewParams{
		Messages: toSDKMessages(providers.SanitizeMessages(req.Messages)),
		Model:    model,
	}

	if req.Temperature > 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.TopP > 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openaiSDK.Float(req.FrequencyPenalty)
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = openaiSDK.Float(req.PresencePenalty)
	}

	extra := map[string]any{
		// Reasoning tokens cost money and latency; off unless the caller
		// explicitly turns them on.
		"reasoning": reasoningFields(req.Reasoning),
	}
	if len(req.Stop) > 0 {
		extra["stop"] = req.Stop
	}
	if req.User != "" {
		extra["user"] = req.User
	}
	if len(req.Tools) > 0 {
		extra["tools"] = toolFields(req.Tools)
		if req.ToolChoice != "" {
			extra["tool_choice"] = req.ToolChoice
		}
	}
	if req.Routing != nil && !stripRouting {
		extra["provider"] = routingFields(req.Routing)
	}
	if len(req.FallbackModels) > 0 {
		fallbacks := req.FallbackModels
		if len(fallbacks) > maxFallbackModels {
			fallbacks = fallbacks[:maxFallbackModels]
		}
		extra["models"] = append([]string{model}, fallbacks...)
	}
	params.SetExtraFields(extra)

	return params
}

func (c *Client) toAPIError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		e := providers.ClassifyStatus(providers.Secondary, sdkErr.StatusCode, sdkErr.Error())
		if sdkErr.StatusCode == http.StatusNotFound && strings.Contains(strings.ToLower(e.Message), "ignored") {
			e.Class = providers.ClassRecoverable
		}
		return e
	}
	return providers.ClassifyTransport(providers.Secondary, err)
}

// Limits returns the key-info snapshot, cached for five minutes.
func (c *Client) Limits(ctx context.Context) (*providers.KeyLimits, error) {
	if v, ok := c.keyCache.Get(keyInfoKey); ok {
		return v.(*providers.KeyLimits), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	var kr keyResponse
	if err := c.getJSON(ctx, c.cfg.BaseURL+"/key", &kr); err != nil {
		return nil, err
	}

	limits := &providers.KeyLimits{
		Label:           kr.Data.Label,
		Usage:           kr.Data.Usage,
		Limit:           kr.Data.Limit,
		RemainingCredit: kr.Data.LimitRemaining,
		IsFreeTier:      kr.Data.IsFreeTier,
		RateLimit:       kr.Data.RateLimit.Requests,
		RateInterval:    kr.Data.RateLimit.Interval,
		FetchedAt:       time.Now(),
	}
	c.keyCache.SetDefault(keyInfoKey, limits)
	return limits, nil
}

// GenerationStats fetches the post-hoc accounting record for a completion
// by its response ID. The upstream needs a moment to index fresh
// generations, so callers should expect a 404 right after the completion.
func (c *Client) GenerationStats(ctx context.Context, id string) (*GenerationStats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	var gr generationResponse
	u := c.cfg.BaseURL + "/generation?id=" + url.QueryEscape(id)
	if err := c.getJSON(ctx, u, &gr); err != nil {
		return nil, err
	}

	return &GenerationStats{
		ID:               gr.Data.ID,
		Model:            gr.Data.Model,
		TotalCost:        gr.Data.TotalCost,
		PromptTokens:     gr.Data.PromptTokens,
		CompletionTokens: gr.Data.CompletionTokens,
		GenerationTime:   time.Duration(gr.Data.GenerationTime) * time.Millisecond,
		Latency:          time.Duration(gr.Data.Latency) * time.Millisecond,
	}, nil
}

// Models returns the cached model catalogue.
func (c *Client) Models(ctx context.Context) ([]providers.Model, error) {
	return c.catalog.Models(ctx)
}

func (c *Client) fetchModels(ctx context.Context) ([]providers.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TextTimeout)
	defer cancel()

	var mr modelsResponse
	if err := c.getJSON(ctx, c.cfg.BaseURL+"/models", &mr); err != nil {
		return nil, err
	}

	models := make([]providers.Model, 0, len(mr.Data))
	for _, m := range mr.Data {
		pm := providers.Model{ID: m.ID, Name: m.Name}
		if m.Pricing != nil {
			pm.Pricing = &providers.ModelPricing{
				Prompt:     m.Pricing.Prompt,
				Completion: m.Pricing.Completion,
			}
		}
		models = append(models, pm)
	}
	return models, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("secondary: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.ClassifyTransport(providers.Secondary, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != nil && er.Error.Message != "" {
			msg = er.Error.Message
		}
		return providers.ClassifyStatus(providers.Secondary, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("secondary: decode: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.SiteURL != "" {
		req.Header.Set("HTTP-Referer", c.cfg.SiteURL)
	}
	if c.cfg.AppName != "" {
		req.Header.Set("X-Title", c.cfg.AppName)
	}
}

func toSDKMessages(msgs []providers.Message) []openaiSDK.ChatCompletionMessageParamUnion {
	out := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openaiSDK.SystemMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) > 0 {
				out = append(out, assistantWithToolCalls(m))
				continue
			}
			out = append(out, openaiSDK.AssistantMessage(m.Content))
		case "tool":
			out = append(out, openaiSDK.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openaiSDK.UserMessage(m.Content))
		}
	}
	return out
}

func assistantWithToolCalls(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	calls := make([]openaiSDK.ChatCompletionMessageToolCallUnionParam, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		calls = append(calls, openaiSDK.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openaiSDK.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			},
		})
	}

	assistant := openaiSDK.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if m.Content != "" {
		assistant.Content = openaiSDK.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openaiSDK.String(m.Content),
		}
	}
	return openaiSDK.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func reasoningFields(r *providers.Reasoning) map[string]any {
	if r == nil {
		return map[string]any{"enabled": false}
	}
	f := map[string]any{"enabled": r.Enabled}
	if r.Effort != "" {
		f["effort"] = r.Effort
	}
	if r.MaxTokens > 0 {
		f["max_tokens"] = r.MaxTokens
	}
	if r.Exclude {
		f["exclude"] = true
	}
	return f
}

func routingFields(r *providers.RoutePreferences) map[string]any {
	f := map[string]any{}
	if len(r.Order) > 0 {
		f["order"] = r.Order
	}
	if r.AllowFallbacks != nil {
		f["allow_fallbacks"] = *r.AllowFallbacks
	}
	if r.Sort != "" {
		f["sort"] = r.Sort
	}
	if r.DataCollection != "" {
		f["data_collection"] = r.DataCollection
	}
	return f
}

func toolFields(tools []providers.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		fn := map[string]any{"name": t.Function.Name}
		if t.Function.Description != "" {
			fn["description"] = t.Function.Description
		}
		if len(t.Function.Parameters) > 0 {
			var schema map[string]any
			if json.Unmarshal(t.Function.Parameters, &schema) == nil {
				fn["parameters"] = schema
			}
		}

		typ := t.Type
		if typ == "" {
			typ = "function"
		}
		out = append(out, map[string]any{"type": typ, "function": fn})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
