// Package app assembles the agent core and owns its lifecycle: external
// connections first (Redis history, ClickHouse sink), then provider
// clients, then the routing services built on top of them, and finally
// the operations HTTP surface. Teardown runs in the opposite order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/parleybot/parley/internal/agent"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/history"
	"github.com/parleybot/parley/internal/latency"
	"github.com/parleybot/parley/internal/logger"
	"github.com/parleybot/parley/internal/metrics"
	"github.com/parleybot/parley/internal/ops"
	"github.com/parleybot/parley/internal/providers"
	"github.com/parleybot/parley/internal/quota"
	"github.com/parleybot/parley/internal/routing"
	"github.com/parleybot/parley/internal/uniqueness"
)

const (
	// keyInfoRefreshInterval matches the secondary client's key-info cache
	// TTL; refreshing faster would only hit the cache.
	keyInfoRefreshInterval = 5 * time.Minute

	// redisPingTimeout bounds the startup connectivity probe.
	redisPingTimeout = 5 * time.Second
)

// App holds every long-lived resource of the agent core. Build one with
// New, drive it with Run, release it with Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external resources, nil when not configured.
	chSink *logger.ClickHouseSink
	rdb    *redis.Client

	memLog      *history.Memory
	store       history.Store
	completions *logger.Logger

	prom    *metrics.Registry
	guard   *quota.Guard
	lat     *latency.Controller
	filter  *uniqueness.Filter
	clients map[string]providers.Client
	mon     *routing.Monitor
	router  *routing.Router
	agent   *agent.Agent
	srv     *ops.Server
}

// initStep is one phase of startup; the name shows up in init errors.
type initStep struct {
	name string
	fn   func(context.Context) error
}

// New builds every subsystem in dependency order. When a step fails, the
// partially built App is torn down and the returned error names the step.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, errors.New("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	for _, step := range []initStep{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"ops", a.initOps},
	} {
		if err := step.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", step.name, err)
		}
	}

	return a, nil
}

// Run starts the operations server and the key-info refresh loop, then
// blocks until ctx is cancelled or a subsystem fails. The app is closed
// by the time Run returns.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting agent core",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.OpsAddr),
		slog.String("history_backend", a.cfg.History.Backend),
		slog.Int("providers", len(a.clients)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(a.cfg.OpsAddr)
	})

	if _, ok := a.clients[providers.Secondary]; ok {
		g.Go(func() error {
			a.keyInfoLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases everything in reverse-init order. Calling it more than
// once, or from several goroutines, is fine.
func (a *App) Close() {
	if a.srv != nil {
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("ops shutdown error", slog.String("error", err.Error()))
		}
		a.srv = nil
	}
	if a.router != nil {
		a.router.Close()
		a.router = nil
	}
	if a.mon != nil {
		a.mon.Close()
		a.mon = nil
	}
	if a.completions != nil {
		if err := a.completions.Close(); err != nil {
			a.log.Error("completion logger close error", slog.String("error", err.Error()))
		}
		a.completions = nil
		// The logger owns and closes the sink.
		a.chSink = nil
	} else if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.memLog != nil {
		a.memLog.Close()
		a.memLog = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis dials the URL and proves connectivity with a PING before
// handing the client out. Callers decide whether a failure is fatal.
func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping %s: %w", redactURL(rawURL), err)
	}

	return rdb, nil
}

// keyInfoLoop keeps the admission guard's view of the secondary key fresh:
// paid tier decides the daily allowance, and negative remaining credit
// turns into payment_required denials.
func (a *App) keyInfoLoop(ctx context.Context) {
	a.refreshKeyInfo(ctx)

	ticker := time.NewTicker(keyInfoRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.refreshKeyInfo(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) refreshKeyInfo(ctx context.Context) {
	cli, ok := a.clients[providers.Secondary]
	if !ok {
		return
	}

	limits, err := cli.Limits(ctx)
	if err != nil {
		a.log.Warn("key_info_refresh_failed", slog.String("error", err.Error()))
		return
	}
	if limits == nil {
		return
	}

	a.guard.UpdateKeyInfo(providers.Secondary, limits.IsFreeTier, limits.RemainingCredit)

	snap := a.guard.Snapshot(providers.Secondary)
	a.prom.SetQuotaUsage(providers.Secondary, snap.FreeToday, snap.DailyLimit)
}

// redactURL masks credentials embedded in a URL so it can be logged,
// e.g. "redis://:secret@localhost:6379" → "redis://xxxxx@localhost:6379".
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("xxxxx")
	return u.String()
}
