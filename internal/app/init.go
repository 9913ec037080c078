package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/parleybot/parley/internal/agent"
	"github.com/parleybot/parley/internal/conversation"
	"github.com/parleybot/parley/internal/history"
	"github.com/parleybot/parley/internal/latency"
	"github.com/parleybot/parley/internal/logger"
	"github.com/parleybot/parley/internal/metrics"
	"github.com/parleybot/parley/internal/ops"
	"github.com/parleybot/parley/internal/providers"
	"github.com/parleybot/parley/internal/providers/primary"
	"github.com/parleybot/parley/internal/providers/secondary"
	"github.com/parleybot/parley/internal/quota"
	"github.com/parleybot/parley/internal/routing"
	"github.com/parleybot/parley/internal/uniqueness"
)

// initInfra establishes optional external connections. Redis is only
// required when HISTORY_BACKEND=redis; ClickHouse only when
// CLICKHOUSE_ADDR is set. Both are verified with a ping so a
// misconfigured deployment fails at startup, not mid-conversation.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.History.Backend == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.History.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.History.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.Addr != "" {
		a.log.Info("connecting to clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))

		sink, err := logger.NewClickHouseSink(ctx, logger.ClickHouseConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initProviders builds the provider clients. The primary needs no key and
// is always present; the secondary joins when enabled.
func (a *App) initProviders(_ context.Context) error {
	a.clients = make(map[string]providers.Client, 2)

	a.clients[providers.Primary] = primary.New(primary.Config{
		BaseURL:        a.cfg.Primary.TextAPI,
		Token:          a.cfg.Primary.APIToken,
		TextTimeout:    a.cfg.Primary.TextTimeout,
		HealthTimeout:  a.cfg.Primary.HealthTimeout,
		PerMinuteLimit: a.cfg.Primary.RateLimitPerMin,
		DefaultModel:   a.cfg.Primary.DefaultModel,
	})

	if a.cfg.Secondary.Enabled {
		a.clients[providers.Secondary] = secondary.New(secondary.Config{
			BaseURL:        a.cfg.Secondary.APIURL,
			APIKey:         a.cfg.Secondary.APIKey,
			SiteURL:        a.cfg.Secondary.SiteURL,
			AppName:        a.cfg.Secondary.AppName,
			TextTimeout:    a.cfg.Secondary.TextTimeout,
			HealthTimeout:  a.cfg.Secondary.HealthTimeout,
			PerMinuteLimit: a.cfg.Secondary.RateLimitPerMin,
			DefaultModel:   a.cfg.Secondary.DefaultModel,
		},
			// Upstream 429s still consume daily quota. The guard exists by
			// the time any request can flow (initServices runs next).
			secondary.WithRateLimitHook(func() {
				if a.guard != nil {
					a.guard.IncrementDaily(providers.Secondary)
				}
			}),
		)
	}

	names := make([]string, 0, len(a.clients))
	for n := range a.clients {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the in-process subsystems: metrics registry,
// admission guard, timeout controller, uniqueness filter, completion
// logger, history store and the background health monitor.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	a.prom.SetRouterMode(false)

	a.guard = quota.NewGuard()
	for name, cli := range a.clients {
		d := cli.Descriptor()
		limits := quota.ProviderLimits{PerMinute: d.PerMinuteLimit}
		if d.QuotaTracked {
			limits.QuotaTracked = true
			limits.DailyFree = secondary.FreeTierDailyLimit
			limits.DailyCredited = secondary.CreditedDailyLimit
		}
		a.guard.Register(name, limits)
	}

	a.lat = latency.NewController(latency.Config{
		Dynamic:     a.cfg.Timeout.Dynamic,
		Min:         a.cfg.Timeout.Min,
		Max:         a.cfg.Timeout.Max,
		HistorySize: a.cfg.Timeout.HistorySize,
		Monitoring:  a.cfg.Timeout.Monitoring,
	})

	if a.cfg.Uniqueness.Enabled {
		a.filter = uniqueness.New(uniqueness.Config{
			Engine:  a.cfg.Uniqueness.Engine,
			Metrics: a.prom,
		})
		a.log.Info("uniqueness filter enabled", slog.String("engine", a.filter.Engine()))
	}

	completions, err := logger.New(a.baseCtx, a.log, sinkOrNil(a.chSink))
	if err != nil {
		return fmt.Errorf("completion logger: %w", err)
	}
	a.completions = completions

	switch a.cfg.History.Backend {
	case "redis":
		// Wraps the client connected in initInfra.
		a.store = history.NewRedisFromClient(a.rdb, history.RedisConfig{Metrics: a.prom})
		a.log.Info("history backend: redis")
	default:
		a.memLog = history.NewMemory(a.baseCtx, history.MemoryConfig{Metrics: a.prom})
		a.store = a.memLog
		a.log.Info("history backend: memory (in-process)")
	}

	a.mon = routing.NewMonitor(ctx, a.clients, a.cfg.HealthCheckInterval, a.prom)

	return nil
}

// initOps wires the router, the agent pipeline and the operations server.
func (a *App) initOps(_ context.Context) error {
	preferred := routing.Selection{Provider: providers.Primary}
	if _, ok := a.clients[providers.Secondary]; ok {
		preferred.Provider = providers.Secondary
	}
	preferred.Model = a.clients[preferred.Provider].Descriptor().DefaultModel

	a.router = routing.NewRouter(routing.Options{
		Clients:         a.clients,
		Guard:           a.guard,
		Latency:         a.lat,
		Monitor:         a.mon,
		Metrics:         a.prom,
		Logger:          a.log,
		Preferred:       preferred,
		RestoreEnabled:  a.cfg.Restore.Enabled,
		RestoreCooldown: a.cfg.Restore.Cooldown,
		FreeModel: func(provider, model string) bool {
			return provider == providers.Secondary && secondary.IsFreeModel(model)
		},
	})

	// A nil *Filter must stay a nil interface for the assembler's check.
	var enhancer conversation.Enhancer
	if a.filter != nil {
		enhancer = a.filter
	}
	asm := conversation.New(a.store, enhancer, conversation.Config{
		SystemPrompt: a.cfg.Agent.SystemPrompt,
		HistoryLimit: a.cfg.History.Limit,
	})

	a.agent = agent.New(agent.Options{
		Assembler:     asm,
		Router:        a.router,
		Filter:        a.filter,
		History:       a.store,
		Completions:   a.completions,
		Metrics:       a.prom,
		Logger:        a.log,
		MaxConcurrent: int64(a.cfg.Agent.MaxConcurrent),
	})

	a.srv = ops.New(ops.Options{
		Agent:   a.agent,
		Router:  a.router,
		Monitor: a.mon,
		Guard:   a.guard,
		Metrics: a.prom,
		Logger:  a.log,
		Version: a.version,
	})

	return nil
}

// sinkOrNil keeps a typed-nil *ClickHouseSink from masquerading as a
// present Sink.
func sinkOrNil(s *logger.ClickHouseSink) logger.Sink {
	if s == nil {
		return nil
	}
	return s
}
