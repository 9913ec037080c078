// Package routing selects a provider for each text request: quota
// admission, ordered failover across the provider set, failure
// classification, and timed restoration back to the preferred provider.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleybot/parley/internal/latency"
	"github.com/parleybot/parley/internal/metrics"
	"github.com/parleybot/parley/internal/providers"
	"github.com/parleybot/parley/internal/quota"
)

// fallbackOrder is the fixed candidate order appended after the current
// selection: the quota-tracked provider first, then the keyless one.
var fallbackOrder = []string{providers.Secondary, providers.Primary}

// Request is a text generation request plus routing hints.
type Request struct {
	providers.TextRequest

	// PreferredProvider pins the first attempt to a specific provider
	// for this request only. Unknown names are ignored.
	PreferredProvider string
}

// Result is a routed response and the selection that produced it.
type Result struct {
	Response *providers.TextResponse
	Provider string
	Model    string
	// Failover is set when the serving provider is not the preferred one.
	Failover bool
}

// Options wires the router's collaborators.
type Options struct {
	Clients map[string]providers.Client
	Guard   *quota.Guard
	Latency *latency.Controller
	Monitor *Monitor
	Metrics *metrics.Registry
	Logger  *slog.Logger

	Preferred       Selection
	RestoreEnabled  bool
	RestoreCooldown time.Duration

	// FreeModel reports whether a model counts against the provider's
	// free-tier daily allowance.
	FreeModel func(provider, model string) bool
}

// Router owns the failover state machine and drives every outbound
// generation attempt.
type Router struct {
	clients map[string]providers.Client
	guard   *quota.Guard
	latency *latency.Controller
	monitor *Monitor
	metrics *metrics.Registry
	log     *slog.Logger
	free    func(provider, model string) bool

	state *State
}

func NewRouter(opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := &Router{
		clients: opts.Clients,
		guard:   opts.Guard,
		latency: opts.Latency,
		monitor: opts.Monitor,
		metrics: opts.Metrics,
		log:     log,
		free:    opts.FreeModel,
	}

	cfg := StateConfig{
		Preferred:       opts.Preferred,
		RestoreEnabled:  opts.RestoreEnabled,
		RestoreCooldown: opts.RestoreCooldown,
		OnRestore: func(from, to Selection) {
			log.Info("provider_restored",
				"from", from.Provider,
				"to", to.Provider,
				"model", to.Model)
			if r.metrics != nil {
				r.metrics.RecordRestoration(to.Provider)
				r.metrics.SetRouterMode(false)
			}
		},
	}
	if opts.Monitor != nil {
		cfg.PreferredHealthy = opts.Monitor.Healthy
	}
	r.state = NewState(cfg)
	return r
}

// Close cancels the pending restoration timer, if any.
func (r *Router) Close() {
	r.state.Close()
}

// attemptFailure remembers the most recent non-success for error
// aggregation once the candidate list is exhausted.
type attemptFailure struct {
	provider string
	kind     Kind
	reason   string
	err      error
}

// GenerateText tries each candidate provider in order until one serves
// the request.
//
// Local per-minute rate denial aborts immediately without consulting the
// other providers. Daily-quota and payment denials skip the provider.
// Every upstream failure, bad requests included, falls through to the
// next candidate; only an empty candidate list surfaces the final error.
func (r *Router) GenerateText(ctx context.Context, req *Request) (*Result, error) {
	curr := r.state.Current()
	candidates := r.candidateList(req.PreferredProvider, curr.Provider)

	var (
		last      *attemptFailure
		attempted bool
	)

	for i, name := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client := r.clients[name]

		if dec := r.guard.Admit(name); !dec.Admit {
			switch dec.Reason {
			case quota.ReasonPerMinute:
				r.log.Warn("rate_limited_local",
					"request_id", req.RequestID,
					"provider", name,
					"window", r.guard.WindowSize(name))
				if r.metrics != nil {
					r.metrics.RecordQuotaDenial(name, string(dec.Reason))
				}
				return nil, &RouteError{
					Kind:     KindRateLimitedLocal,
					Provider: name,
					Message:  "per-minute request limit reached, retry shortly",
				}
			case quota.ReasonDaily:
				r.log.Warn("daily_quota_exhausted", "request_id", req.RequestID, "provider", name)
				if r.metrics != nil {
					r.metrics.RecordQuotaDenial(name, string(dec.Reason))
				}
				last = &attemptFailure{provider: name, kind: KindQuotaExhausted, reason: string(dec.Reason)}
				continue
			case quota.ReasonPaymentRequired:
				r.log.Warn("provider_credit_exhausted", "request_id", req.RequestID, "provider", name)
				if r.metrics != nil {
					r.metrics.RecordQuotaDenial(name, string(dec.Reason))
				}
				last = &attemptFailure{provider: name, kind: KindPaymentRequired, reason: string(dec.Reason)}
				continue
			}
		}

		texReq := req.TextRequest
		texReq.Model = r.modelFor(req.Model, name, curr)
		texReq.Timeout = r.requestTimeout(name, client)

		start := time.Now()
		resp, err := client.GenerateText(ctx, &texReq)
		elapsed := time.Since(start)
		attempted = true

		if err == nil {
			return r.finishSuccess(req, resp, name, texReq.Model, elapsed, last), nil
		}

		reason := attemptReason(err)
		if r.latency != nil {
			r.latency.Report(name, elapsed, false)
		}
		if r.metrics != nil {
			r.metrics.ObserveProviderRequest(name, "error", elapsed)
			r.metrics.RecordError(name, reason)
		}

		next := ""
		if i+1 < len(candidates) {
			next = candidates[i+1]
			if r.metrics != nil {
				r.metrics.RecordFailover(name, next, reason)
			}
		}
		r.log.Warn("provider_attempt_failed",
			"request_id", req.RequestID,
			"from", name,
			"to", next,
			"reason", reason,
			"latency_ms", elapsed.Milliseconds(),
			"error", err)

		last = &attemptFailure{provider: name, kind: errorKind(err), reason: reason, err: err}
	}

	if r.metrics != nil && len(candidates) > 0 {
		r.metrics.RecordFailoverExhausted(candidates[0])
	}
	return nil, r.exhaustedError(req.RequestID, last, attempted)
}

func (r *Router) finishSuccess(req *Request, resp *providers.TextResponse, name, requestedModel string, elapsed time.Duration, prev *attemptFailure) *Result {
	if r.latency != nil {
		r.latency.Report(name, elapsed, true)
	}
	if r.metrics != nil {
		r.metrics.ObserveProviderRequest(name, "success", elapsed)
	}

	model := resp.Model
	if model == "" {
		model = requestedModel
	}
	if model == "" {
		model = r.clients[name].Descriptor().DefaultModel
	}
	if r.free != nil && r.free(name, model) {
		r.guard.IncrementDaily(name)
		if r.metrics != nil {
			snap := r.guard.Snapshot(name)
			r.metrics.SetQuotaUsage(name, snap.FreeToday, snap.DailyLimit)
		}
	}

	if prev != nil {
		r.log.Info("failover_success",
			"request_id", req.RequestID,
			"from", prev.provider,
			"to", name,
			"latency_ms", elapsed.Milliseconds())
		if r.metrics != nil {
			r.metrics.RecordFailoverSuccess(prev.provider, name)
		}
	}

	preferred := r.state.Preferred().Provider
	r.state.NoteSuccess(Selection{Provider: name, Model: model})
	if r.metrics != nil {
		r.metrics.SetRouterMode(name != preferred)
	}

	return &Result{
		Response: resp,
		Provider: name,
		Model:    model,
		Failover: name != preferred,
	}
}

// candidateList builds the attempt order: the per-request preference (or
// the state machine's current provider) first, then the fixed fallback
// order, deduplicated.
func (r *Router) candidateList(requested, current string) []string {
	out := make([]string, 0, len(fallbackOrder)+1)
	seen := make(map[string]bool, len(fallbackOrder)+1)

	push := func(name string) {
		if name == "" || seen[name] {
			return
		}
		if _, ok := r.clients[name]; !ok {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	if requested != "" {
		push(requested)
	} else {
		push(current)
	}
	for _, name := range fallbackOrder {
		push(name)
	}
	return out
}

// modelFor resolves the model for one attempt: an explicit request wins,
// the state machine's model applies on its own provider, and any other
// provider falls back to its configured default.
func (r *Router) modelFor(requested, provider string, curr Selection) string {
	if requested != "" {
		return requested
	}
	if provider == curr.Provider {
		return curr.Model
	}
	return ""
}

func (r *Router) requestTimeout(name string, client providers.Client) time.Duration {
	static := client.Descriptor().TextTimeout
	if r.latency == nil {
		return static
	}
	return r.latency.RequestTimeout(name, static)
}

// exhaustedError aggregates the loop's outcome. When no upstream call was
// ever attempted the last local denial surfaces directly; otherwise the
// caller sees all_providers_failed with the last failure's kind attached.
func (r *Router) exhaustedError(requestID string, last *attemptFailure, attempted bool) error {
	if last == nil {
		return &RouteError{Kind: KindAllProvidersFailed, Message: "no providers configured"}
	}

	if !attempted {
		return &RouteError{
			Kind:     last.kind,
			Provider: last.provider,
			Message:  fmt.Sprintf("request denied: %s", last.reason),
		}
	}

	msg := last.reason
	if last.err != nil {
		msg = Sanitize(last.err.Error())
	}
	r.log.Error("all_providers_failed",
		"request_id", requestID,
		"last_provider", last.provider,
		"last_kind", string(last.kind))
	return &RouteError{
		Kind:     KindAllProvidersFailed,
		Provider: last.provider,
		LastKind: last.kind,
		Message:  msg,
	}
}

// OverrideModel applies a manual provider/model selection. The choice
// becomes both current and preferred, cancels any pending restoration,
// and survives until the next override.
func (r *Router) OverrideModel(provider, model string) error {
	client, ok := r.clients[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	if model == "" {
		model = client.Descriptor().DefaultModel
	}

	r.state.Override(Selection{Provider: provider, Model: model})
	if r.metrics != nil {
		r.metrics.SetRouterMode(false)
	}
	r.log.Info("model_override", "provider", provider, "model", model)
	return nil
}

// healthView is HealthStatus shaped for the admin endpoint.
type healthView struct {
	Healthy   bool   `json:"healthy"`
	Kind      string `json:"kind,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	CheckedAt string `json:"checked_at"`
}

// StateSnapshot is the admin view of the router.
type StateSnapshot struct {
	Mode      string                `json:"mode"`
	Current   Selection             `json:"current"`
	Preferred Selection             `json:"preferred"`
	Failover  *FailoverRecord       `json:"failover,omitempty"`
	Providers map[string]healthView `json:"providers"`
}

// Snapshot reports mode, selections, the active failover record and the
// latest health probe per provider.
func (r *Router) Snapshot() StateSnapshot {
	snap := StateSnapshot{
		Mode:      r.state.Mode().String(),
		Current:   r.state.Current(),
		Preferred: r.state.Preferred(),
		Providers: make(map[string]healthView, len(r.clients)),
	}
	if rec, ok := r.state.Record(); ok {
		snap.Failover = &rec
	}
	if r.monitor != nil {
		for name, st := range r.monitor.Snapshot() {
			snap.Providers[name] = healthView{
				Healthy:   st.Healthy,
				Kind:      st.Kind,
				LatencyMS: st.ResponseTime.Milliseconds(),
				CheckedAt: st.CheckedAt.UTC().Format(time.RFC3339),
			}
		}
	}
	return snap
}

// errorKind maps a provider error onto the routing taxonomy.
func errorKind(err error) Kind {
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Class {
		case providers.ClassAuthError:
			return KindAuthError
		case providers.ClassPaymentRequired:
			return KindPaymentRequired
		case providers.ClassBadRequest:
			return KindBadRequest
		}
	}
	return KindTransient
}

// attemptReason labels a failed attempt for logs and metrics.
func attemptReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		if status := sc.HTTPStatus(); status > 0 {
			return fmt.Sprintf("http_%d", status)
		}
	}
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		return string(apiErr.Class)
	}
	return "unknown"
}
