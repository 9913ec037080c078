// Command parley runs the Parley agent core: the multi-provider chat
// pipeline plus its operations HTTP surface on OPS_ADDR.
//
// All configuration is environment-driven (a .env file and config.yaml
// are also honoured); internal/config documents every variable. The
// smallest useful invocation talks to the keyless primary provider only:
//
//	SECONDARY_ENABLED=false ./parley
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/parleybot/parley/internal/app"
	"github.com/parleybot/parley/internal/config"
)

// version is stamped at build time: -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("config", cfg.String()))

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("agent stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs the process-wide JSON logger. The level string is
// parsed case-insensitively; anything unrecognised runs at INFO. Debug
// level additionally records source positions.
func buildLogger(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lv,
		AddSource: lv == slog.LevelDebug,
	}))
}
