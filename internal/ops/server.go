// Package ops serves the operations HTTP surface: the chat entrypoint,
// health and readiness probes, Prometheus metrics, and admin endpoints for
// inspecting and steering the provider router and the admission guard.
package ops

import (
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/parleybot/parley/internal/agent"
	"github.com/parleybot/parley/internal/metrics"
	"github.com/parleybot/parley/internal/quota"
	"github.com/parleybot/parley/internal/routing"
	"github.com/parleybot/parley/pkg/apierr"
)

// Options wires the server. Agent and Router power the chat and admin
// endpoints; handlers degrade to minimal responses when a collaborator
// is nil.
type Options struct {
	Agent   *agent.Agent
	Router  *routing.Router
	Monitor *routing.Monitor
	Guard   *quota.Guard
	Metrics *metrics.Registry
	Logger  *slog.Logger
	Version string
}

// Server is the operations HTTP server.
type Server struct {
	agent   *agent.Agent
	router  *routing.Router
	mon     *routing.Monitor
	guard   *quota.Guard
	met     *metrics.Registry
	log     *slog.Logger
	version string

	srv *fasthttp.Server
}

// New builds the server with the full route table and middleware chain.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		agent:   opts.Agent,
		router:  opts.Router,
		mon:     opts.Monitor,
		guard:   opts.Guard,
		met:     opts.Metrics,
		log:     log,
		version: opts.Version,
	}
	s.srv = &fasthttp.Server{
		Handler:     s.Handler(),
		Name:        "parley",
		ReadTimeout: 60 * time.Second,
		// Must cover a full failover chain at the maximum dynamic timeout.
		WriteTimeout: 180 * time.Second,
	}
	return s
}

// Handler returns the routed handler with the middleware chain applied.
// Exposed so embedders can mount the surface on their own server.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat", s.handleChat)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.met != nil {
		r.GET("/metrics", s.met.Handler())
	}
	r.GET("/admin/router", s.handleRouterState)
	r.POST("/admin/router/model", s.handleModelOverride)
	r.GET("/admin/quota", s.handleQuota)

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.WriteNotFound(ctx, "no such route")
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		access(s.log),
		securityHeaders,
	)
}

// ListenAndServe serves on addr (e.g. ":8080") until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("ops_listening", slog.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Serve accepts connections from an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown gracefully drains open connections.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
