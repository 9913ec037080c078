package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/parleybot/parley/internal/agent"
	"github.com/parleybot/parley/internal/providers"
	"github.com/parleybot/parley/internal/routing"
	"github.com/parleybot/parley/pkg/apierr"
)

type chatRequest struct {
	UserID            string `json:"user_id"`
	ChannelID         string `json:"channel_id"`
	Text              string `json:"text"`
	Model             string `json:"model,omitempty"`
	PreferredProvider string `json:"preferred_provider,omitempty"`
}

type chatResponse struct {
	Reply     string               `json:"reply"`
	ToolCalls []providers.ToolCall `json:"tool_calls,omitempty"`
	Provider  string               `json:"provider"`
	Model     string               `json:"model"`
	Failover  bool                 `json:"failover"`
	RequestID string               `json:"request_id"`
}

// handleChat runs one chat event through the full pipeline and renders the
// reply. Routing failures are returned in the OpenAI-style error envelope
// with the taxonomy kind as the error code.
func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())

	if s.met != nil {
		s.met.IncInFlight()
	}
	defer func() {
		if s.met == nil {
			return
		}
		s.met.DecInFlight()
		s.met.ObserveHTTP("chat", ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
	}()

	if s.agent == nil {
		apierr.WriteInternal(ctx, "chat pipeline not configured")
		return
	}

	// 1. Parse and validate the request body.
	var req chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.UserID == "" || req.ChannelID == "" {
		apierr.WriteInvalid(ctx, "fields 'user_id' and 'channel_id' are required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		apierr.WriteInvalid(ctx, "field 'text' is required")
		return
	}

	// 2. Run the pipeline. The fasthttp request context doubles as the
	// cancellation context for the whole chain.
	reply, err := s.agent.HandleMessage(ctx, agent.Event{
		UserID:            req.UserID,
		ChannelID:         req.ChannelID,
		Text:              req.Text,
		Model:             req.Model,
		PreferredProvider: req.PreferredProvider,
	})
	if err != nil {
		s.writeChatError(ctx, err)
		return
	}

	writeJSON(ctx, chatResponse{
		Reply:     reply.Text,
		ToolCalls: reply.ToolCalls,
		Provider:  reply.Provider,
		Model:     reply.Model,
		Failover:  reply.Failover,
		RequestID: reply.RequestID,
	})
}

// writeChatError renders a pipeline failure. Routing errors carry their own
// status mapping and already-sanitized message; anything else is a 500.
func (s *Server) writeChatError(ctx *fasthttp.RequestCtx, err error) {
	var rerr *routing.RouteError
	switch {
	case errors.As(err, &rerr):
		apierr.WriteKind(ctx, rerr.HTTPStatus(), string(rerr.Kind), rerr.Message)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		apierr.WriteTimeout(ctx)
	default:
		apierr.WriteInternal(ctx, "internal error")
	}
}

type providerHealth struct {
	Healthy   bool   `json:"healthy"`
	Kind      string `json:"kind,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	CheckedAt string `json:"checked_at"`
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version,omitempty"`
	Providers map[string]providerHealth `json:"providers,omitempty"`
}

// handleHealth always answers 200; degradation shows up in the body so the
// process is not declared dead while one provider limps.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	resp := healthResponse{Status: "ok", Version: s.version}
	if s.mon != nil {
		resp.Providers = make(map[string]providerHealth)
		for name, st := range s.mon.Snapshot() {
			resp.Providers[name] = providerHealth{
				Healthy:   st.Healthy,
				Kind:      st.Kind,
				LatencyMS: st.ResponseTime.Milliseconds(),
				CheckedAt: st.CheckedAt.UTC().Format(time.RFC3339),
			}
			if !st.Healthy {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(ctx, resp)
}

// handleReadiness answers 200 once at least one provider can serve.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.mon == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	for _, st := range s.mon.Snapshot() {
		if st.Healthy {
			writeJSON(ctx, map[string]string{"status": "ok"})
			return
		}
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (s *Server) handleRouterState(ctx *fasthttp.RequestCtx) {
	if s.router == nil {
		apierr.WriteInternal(ctx, "router not configured")
		return
	}
	writeJSON(ctx, s.router.Snapshot())
}

// handleModelOverride pins the router to a provider+model. The override
// cancels any pending restoration and survives until the next override.
func (s *Server) handleModelOverride(ctx *fasthttp.RequestCtx) {
	if s.router == nil {
		apierr.WriteInternal(ctx, "router not configured")
		return
	}

	var req struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalid(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.Provider == "" {
		apierr.WriteInvalid(ctx, "field 'provider' is required")
		return
	}

	if err := s.router.OverrideModel(req.Provider, req.Model); err != nil {
		apierr.WriteNotFound(ctx, err.Error())
		return
	}
	writeJSON(ctx, s.router.Snapshot())
}

type quotaView struct {
	WindowSize int      `json:"window_size"`
	FreeToday  int      `json:"free_today"`
	DailyLimit int      `json:"daily_limit"`
	Day        string   `json:"day"`
	IsFreeTier bool     `json:"is_free_tier"`
	Credit     *float64 `json:"credit,omitempty"`
}

func (s *Server) handleQuota(ctx *fasthttp.RequestCtx) {
	out := make(map[string]quotaView)
	if s.guard != nil {
		for _, name := range s.guard.Providers() {
			snap := s.guard.Snapshot(name)
			out[name] = quotaView{
				WindowSize: snap.WindowSize,
				FreeToday:  snap.FreeToday,
				DailyLimit: snap.DailyLimit,
				Day:        snap.Day,
				IsFreeTier: snap.IsFreeTier,
				Credit:     snap.Credit,
			}
		}
	}
	writeJSON(ctx, out)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
