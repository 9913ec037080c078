package routing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parleybot/parley/internal/metrics"
	"github.com/parleybot/parley/internal/providers"
)

const defaultProbeInterval = 30 * time.Second

// Monitor probes every provider on a fixed interval and caches the most
// recent result. Restoration decisions and the readiness endpoint read
// the cache instead of probing inline.
type Monitor struct {
	clients  map[string]providers.Client
	interval time.Duration
	metrics  *metrics.Registry

	mu       sync.RWMutex
	statuses map[string]providers.HealthStatus

	baseCtx context.Context
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor runs one probe round synchronously so callers observe a
// populated cache immediately, then keeps probing in the background until
// Close or ctx cancellation.
func NewMonitor(ctx context.Context, clients map[string]providers.Client, interval time.Duration, met *metrics.Registry) *Monitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	m := &Monitor{
		clients:  clients,
		interval: interval,
		metrics:  met,
		statuses: make(map[string]providers.HealthStatus, len(clients)),
		baseCtx:  ctx,
		done:     make(chan struct{}),
	}

	m.probe()

	m.wg.Add(1)
	go m.loop(ctx)
	return m
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe()
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

// probe checks all providers in parallel. Each client applies its own
// health timeout internally.
func (m *Monitor) probe() {
	var wg sync.WaitGroup
	for name, client := range m.clients {
		wg.Add(1)
		go func(name string, client providers.Client) {
			defer wg.Done()

			status := client.HealthProbe(m.baseCtx)

			m.mu.Lock()
			prev, seen := m.statuses[name]
			m.statuses[name] = status
			m.mu.Unlock()

			if m.metrics != nil {
				m.metrics.SetProviderHealth(name, status.Healthy)
			}
			if seen && prev.Healthy != status.Healthy {
				if status.Healthy {
					slog.Info("provider_recovered", "provider", name, "latency_ms", status.ResponseTime.Milliseconds())
				} else {
					slog.Warn("provider_unhealthy", "provider", name, "reason", status.Kind)
				}
			}
		}(name, client)
	}
	wg.Wait()
}

// Healthy reports the cached probe result; unknown providers count as
// unhealthy.
func (m *Monitor) Healthy(provider string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[provider].Healthy
}

// Status returns the cached probe result for one provider.
func (m *Monitor) Status(provider string) (providers.HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[provider]
	return st, ok
}

// Snapshot copies the full status cache.
func (m *Monitor) Snapshot() map[string]providers.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]providers.HealthStatus, len(m.statuses))
	for name, st := range m.statuses {
		out[name] = st
	}
	return out
}

// Close stops the probe loop and waits for it to exit.
func (m *Monitor) Close() {
	close(m.done)
	m.wg.Wait()
}
