// Package primary implements the agent's primary text provider: a fast,
// token-optional endpoint speaking a restricted subset of the OpenAI chat
// API. The completion route is POST {base}/openai and the catalogue is
// GET {base}/models.
package primary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/parleybot/parley/internal/providers"
)

const (
	defaultBaseURL = "https://text.pollinations.ai"
	defaultReferer = "https://github.com/parleybot/parley"

	// maxAttempts is the primary's whole retry budget: one shot with a
	// fast timeout. Failover to the secondary is cheaper than waiting
	// out a second attempt here.
	maxAttempts = 1
)

// defaultToolModels is the function-calling allow-list. The "openai"
// family and mistral accept tools; everything else on this provider
// silently drops them or errors.
var defaultToolModels = providers.MustModelList(
	[]string{"mistral", "evil"},
	[]string{`^openai`},
)

const defaultToolModel = "openai"

// Config holds the primary client's transport settings.
type Config struct {
	BaseURL        string
	Token          string
	Referer        string
	TextTimeout    time.Duration
	HealthTimeout  time.Duration
	PerMinuteLimit int
	DefaultModel   string
}

// Client is the primary provider client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	toolModels *providers.ModelList
	toolModel  string
	catalog    *providers.Catalog
}

type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithToolModels overrides the function-calling allow-list and the model
// substituted when a tool request targets a model outside it.
func WithToolModels(list *providers.ModelList, fallback string) Option {
	return func(c *Client) {
		c.toolModels = list
		c.toolModel = fallback
	}
}

// New creates a primary client. Zero config fields fall back to package
// defaults; request timeouts are enforced per attempt via context, so the
// underlying http.Client carries no global timeout.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Referer == "" {
		cfg.Referer = defaultReferer
	}
	if cfg.TextTimeout <= 0 {
		cfg.TextTimeout = 30 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 8 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		toolModels: defaultToolModels,
		toolModel:  defaultToolModel,
	}
	for _, o := range opts {
		o(c)
	}
	c.catalog = providers.NewCatalog(c.fetchModels)
	return c
}

func (c *Client) Name() string { return providers.Primary }

func (c *Client) Descriptor() providers.Descriptor {
	return providers.Descriptor{
		Name:           providers.Primary,
		BaseURL:        c.cfg.BaseURL,
		TextTimeout:    c.cfg.TextTimeout,
		HealthTimeout:  c.cfg.HealthTimeout,
		PerMinuteLimit: c.cfg.PerMinuteLimit,
		DefaultModel:   c.cfg.DefaultModel,
		SupportsTools:  true,
		SupportsImages: false,
		QuotaTracked:   false,
	}
}

// ResolveModel applies the default model and the tool-capability
// substitution rule.
func (c *Client) ResolveModel(model string, wantTools bool) string {
	if model == "" {
		model = c.cfg.DefaultModel
	}
	if wantTools && !c.toolModels.Contains(model) {
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

// GenerateText POSTs one completion request. The payload carries only the
// fields the primary accepts; tool requests for non-capable models are
// re-targeted to the tool-capable default.
func (c *Client) GenerateText(ctx context.Context, req *providers.TextRequest) (*providers.TextResponse, error) {
	model := c.ResolveModel(req.Model, len(req.Tools) > 0)
	if req.Model != "" && model != req.Model {
		slog.InfoContext(ctx, "tool_model_substitution",
			slog.String("provider", providers.Primary),
			slog.String("requested", req.Model),
			slog.String("substituted", model),
		)
	}

	body, err := c.buildRequest(model, req)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.TextTimeout
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.doChat(ctx, body, timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) doChat(ctx context.Context, body []byte, timeout time.Duration) (*providers.TextResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/openai", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransport(providers.Primary, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	return c.handleResponse(resp)
}

func (c *Client) buildRequest(model string, req *providers.TextRequest) ([]byte, error) {
	cr := chatRequest{
		Model:    model,
		Messages: providers.SanitizeMessages(req.Messages),
	}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		cr.Tools = req.Tools
		cr.ToolChoice = req.ToolChoice
	}

	data, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

func (c *Client) handleResponse(resp *http.Response) (*providers.TextResponse, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &providers.APIError{
			Provider: providers.Primary,
			Class:    providers.ClassTransientNetwork,
			Message:  fmt.Sprintf("decode response: %v", err),
		}
	}

	out := &providers.TextResponse{
		ID:       cr.ID,
		Provider: providers.Primary,
		Model:    cr.Model,
		Usage: providers.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
	}
	if len(cr.Choices) > 0 && cr.Choices[0].Message != nil {
		out.Content = cr.Choices[0].Message.Content
		out.ToolCalls = cr.Choices[0].Message.ToolCalls
	}
	return out, nil
}

// Limits — the primary has no key-info endpoint and no daily accounting,
// so the snapshot is empty.
func (c *Client) Limits(ctx context.Context) (*providers.KeyLimits, error) {
	return &providers.KeyLimits{FetchedAt: time.Now()}, nil
}

// Models returns the cached model catalogue.
func (c *Client) Models(ctx context.Context) ([]providers.Model, error) {
	return c.catalog.Models(ctx)
}

func (c *Client) fetchModels(ctx context.Context) ([]providers.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TextTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("primary: models: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providers.ClassifyTransport(providers.Primary, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var mr modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("primary: models: decode: %w", err)
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

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("Referer", c.cfg.Referer)
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil && cr.Error.Message != "" {
		msg = cr.Error.Message
	} else if len(body) > 0 {
		msg = string(body)
	}
	return providers.ClassifyStatus(providers.Primary, resp.StatusCode, msg)
}
