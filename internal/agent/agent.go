// Package agent orchestrates one chat event end to end: assemble the
// conversation, route the generation, evaluate the reply's uniqueness,
// publish it to history and emit the completion record.
//
// This is the integration point a chat-platform adapter calls. Handling
// is bounded by a weighted semaphore so a flood of events cannot pile up
// unbounded in-flight upstream requests.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/parleybot/parley/internal/conversation"
	"github.com/parleybot/parley/internal/history"
	"github.com/parleybot/parley/internal/logger"
	"github.com/parleybot/parley/internal/metrics"
	"github.com/parleybot/parley/internal/providers"
	"github.com/parleybot/parley/internal/routing"
	"github.com/parleybot/parley/internal/uniqueness"
)

const defaultMaxConcurrent = 32

// Event is one inbound chat message.
type Event struct {
	UserID    string
	ChannelID string
	Text      string

	// Model pins the generation model for this event. Empty uses the
	// serving provider's current or default model.
	Model string
	// PreferredProvider pins the first provider attempted. Unknown or
	// empty values fall back to the router's current selection.
	PreferredProvider string
}

// Reply is the published outcome of a handled event.
type Reply struct {
	Text      string
	ToolCalls []providers.ToolCall
	Provider  string
	Model     string
	Failover  bool
	RequestID string
	// UpstreamID is the serving provider's own completion id. For the
	// secondary provider it keys the post-hoc generation-stats lookup.
	UpstreamID string
}

// Options wires an Agent. Assembler and Router are required; everything
// else is optional.
type Options struct {
	Assembler *conversation.Assembler
	Router    *routing.Router

	Filter      *uniqueness.Filter
	History     history.Store
	Completions *logger.Logger
	Metrics     *metrics.Registry
	Logger      *slog.Logger

	// MaxConcurrent bounds in-flight events. Default 32.
	MaxConcurrent int64
	// RequestTimeout derives a deadline per event when the caller's
	// context has none to offer. Zero applies no extra deadline.
	RequestTimeout time.Duration
}

// Agent handles chat events.
type Agent struct {
	asm         *conversation.Assembler
	router      *routing.Router
	filter      *uniqueness.Filter
	hist        history.Store
	completions *logger.Logger
	met         *metrics.Registry
	log         *slog.Logger
	sem         *semaphore.Weighted
	timeout     time.Duration
}

func New(opts Options) *Agent {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}
	return &Agent{
		asm:         opts.Assembler,
		router:      opts.Router,
		filter:      opts.Filter,
		hist:        opts.History,
		completions: opts.Completions,
		met:         opts.Metrics,
		log:         log,
		sem:         semaphore.NewWeighted(limit),
		timeout:     opts.RequestTimeout,
	}
}

// HandleMessage runs the full pipeline for one event. Errors crossing
// this boundary are *routing.RouteError with sanitized messages, except
// context cancellation, which passes through untouched.
func (a *Agent) HandleMessage(ctx context.Context, ev Event) (*Reply, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer a.sem.Release(1)

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	id := uuid.New()
	start := time.Now()

	msgs, err := a.asm.Assemble(ctx, ev.UserID, ev.ChannelID, ev.Text)
	if err != nil {
		return nil, a.fail(ctx, id, ev, start, err)
	}

	res, err := a.router.GenerateText(ctx, &routing.Request{
		TextRequest: providers.TextRequest{
			Model:     ev.Model,
			Messages:  msgs,
			Tools:     a.asm.Tools(),
			User:      ev.UserID,
			RequestID: id.String(),
		},
		PreferredProvider: ev.PreferredProvider,
	})
	if err != nil {
		return nil, a.fail(ctx, id, ev, start, err)
	}

	content := res.Response.Content
	enhanced := a.evaluate(ev.UserID, id, content)
	a.publish(ctx, id, ev, res, content)

	elapsed := time.Since(start)
	usage := res.Response.Usage
	if a.met != nil {
		a.met.AddTokens(res.Provider, usage.InputTokens, usage.OutputTokens)
	}
	a.log.Info("chat_completed",
		"request_id", id.String(),
		"user_id", ev.UserID,
		"channel_id", ev.ChannelID,
		"provider", res.Provider,
		"model", res.Model,
		"failover", res.Failover,
		"latency_ms", elapsed.Milliseconds(),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"enhanced", enhanced)
	a.complete(logger.CompletionLog{
		ID:           id,
		UserID:       ev.UserID,
		ChannelID:    ev.ChannelID,
		Provider:     res.Provider,
		Model:        res.Model,
		InputTokens:  uint32(usage.InputTokens),
		OutputTokens: uint32(usage.OutputTokens),
		LatencyMs:    uint32(elapsed.Milliseconds()),
		Failover:     res.Failover,
		Enhanced:     enhanced,
		Kind:         "success",
		CreatedAt:    time.Now(),
	})

	return &Reply{
		Text:       content,
		ToolCalls:  res.Response.ToolCalls,
		Provider:   res.Provider,
		Model:      res.Model,
		Failover:   res.Failover,
		RequestID:  id.String(),
		UpstreamID: res.Response.ID,
	}, nil
}

// evaluate runs the uniqueness check and records the reply fingerprint.
// Replies that carry no text (tool-call-only turns) are not recorded.
func (a *Agent) evaluate(userID string, id uuid.UUID, content string) bool {
	if a.filter == nil || content == "" {
		return false
	}
	dec := a.filter.ShouldEnhance(userID, content)
	if dec.Enhance {
		a.log.Info("repetitive_reply",
			"request_id", id.String(),
			"user_id", userID,
			"reason", dec.Reason)
	}
	a.filter.RecordResponse(userID, content)
	return dec.Enhance
}

// publish appends the exchange to history. Storage trouble never fails a
// generated reply.
func (a *Agent) publish(ctx context.Context, id uuid.UUID, ev Event, res *routing.Result, content string) {
	if a.hist == nil {
		return
	}
	if err := a.hist.AppendUser(ctx, ev.UserID, ev.ChannelID, ev.Text); err != nil {
		a.log.Warn("history_append_failed", "request_id", id.String(), "error", err)
	}
	if err := a.hist.AppendAssistant(ctx, ev.UserID, ev.ChannelID, content, history.Meta{
		Provider:  res.Provider,
		Model:     res.Model,
		RequestID: id.String(),
		Failover:  res.Failover,
	}); err != nil {
		a.log.Warn("history_append_failed", "request_id", id.String(), "error", err)
	}
}

// fail normalizes an error for the boundary and emits the failure record.
func (a *Agent) fail(ctx context.Context, id uuid.UUID, ev Event, start time.Time, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}

	var rerr *routing.RouteError
	if !errors.As(err, &rerr) {
		rerr = &routing.RouteError{
			Kind:    routing.KindTransient,
			Message: routing.Sanitize(err.Error()),
		}
	}

	elapsed := time.Since(start)
	a.log.Warn("chat_failed",
		"request_id", id.String(),
		"user_id", ev.UserID,
		"channel_id", ev.ChannelID,
		"kind", string(rerr.Kind),
		"provider", rerr.Provider,
		"latency_ms", elapsed.Milliseconds())
	a.complete(logger.CompletionLog{
		ID:        id,
		UserID:    ev.UserID,
		ChannelID: ev.ChannelID,
		Provider:  rerr.Provider,
		LatencyMs: uint32(elapsed.Milliseconds()),
		Kind:      string(rerr.Kind),
		CreatedAt: time.Now(),
	})
	return rerr
}

func (a *Agent) complete(entry logger.CompletionLog) {
	if a.completions != nil {
		a.completions.Log(entry)
	}
}
