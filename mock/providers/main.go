// Command providers runs lightweight HTTP mock servers that simulate the
// two upstream provider APIs. It is used for E2E runs and the bundled
// example without real credentials.
//
// One port per provider, overridable via PORT_PRIMARY / PORT_SECONDARY:
//
//	Primary    :19001  (/openai, /models)
//	Secondary  :19002  (/api/v1/chat/completions, /api/v1/models,
//	                    /api/v1/key, /api/v1/generation)
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS  — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE  — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_REPLY_WORDS — words in generated replies (default 10)
//	MOCK_FREE_TIER   — key-info paid status for the secondary (default true)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across both mock servers.
type Config struct {
	LatencyMS  int
	ErrorRate  float64
	ReplyWords int
	FreeTier   bool
}

func loadConfig() Config {
	return Config{
		LatencyMS:  envInt("MOCK_LATENCY_MS", 0),
		ErrorRate:  envFloat("MOCK_ERROR_RATE", 0),
		ReplyWords: envInt("MOCK_REPLY_WORDS", 10),
		FreeTier:   envBool("MOCK_FREE_TIER", true),
	}
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n >= 0 {
		return n
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f >= 0 && f <= 1 {
		return f
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func envPort(key string, def int) string {
	if v := os.Getenv(key); v != "" {
		return ":" + v
	}
	return ":" + strconv.Itoa(def)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("mock upstreams starting",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("reply_words", cfg.ReplyWords),
		slog.Bool("free_tier", cfg.FreeTier),
	)

	specs := []struct {
		name    string
		addr    string
		handler http.Handler
	}{
		{"primary", envPort("PORT_PRIMARY", 19001), newPrimaryHandler(cfg)},
		{"secondary", envPort("PORT_SECONDARY", 19002), newSecondaryHandler(cfg)},
	}

	servers := make([]*http.Server, 0, len(specs))
	for _, sp := range specs {
		srv := &http.Server{
			Addr:         sp.addr,
			Handler:      sp.handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  2 * time.Minute,
		}
		servers = append(servers, srv)

		name := sp.name
		go func() {
			log.Info("listening", slog.String("provider", name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("serve failed", slog.String("provider", name), slog.String("error", err.Error()))
			}
		}()
	}

	// Scripts wait for this line before driving traffic.
	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("mock upstreams stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
	log.Info("mock upstreams stopped")
}
