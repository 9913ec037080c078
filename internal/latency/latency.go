// Package latency tracks observed per-provider response times and derives
// adaptive request timeouts and exponential retry delays from them.
package latency

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// minSamples is the number of recorded durations a provider needs before the
// controller trusts its statistics enough to compute a dynamic timeout.
const minSamples = 5

// defaultHistorySize bounds the per-provider sample rings when the
// configuration does not say otherwise.
const defaultHistorySize = 100

// Caps applied to computed retry delays. An upstream answering 502/503/504 is
// usually back within seconds, so the backoff stays short; a 429 asks us to
// go away for longer.
const (
	ServiceDownCap = 8 * time.Second
	RateLimitCap   = 60 * time.Second
)

// Config controls dynamic timeout computation.
type Config struct {
	// Dynamic enables avg+2*stddev timeouts. When false RequestTimeout
	// always returns the static per-provider timeout.
	Dynamic bool

	// Min and Max clamp the computed dynamic timeout.
	Min time.Duration
	Max time.Duration

	// HistorySize bounds the per-provider sample rings (default 100).
	HistorySize int

	// Monitoring enables latency recording. When false Report is a no-op
	// and every provider stays below the sample threshold.
	Monitoring bool
}

// Stats is a point-in-time summary of one provider's recorded latencies.
type Stats struct {
	Samples  int
	Failures int
	Avg      time.Duration
	StdDev   time.Duration
}

// Controller records request outcomes per provider and answers timeout
// queries. It is pure bookkeeping: it owns no sockets and never blocks.
type Controller struct {
	cfg Config

	mu       sync.RWMutex
	profiles map[string]*profile
}

// profile holds the bounded latency history for a single provider.
type profile struct {
	mu        sync.Mutex
	durations *durationRing
	failures  *eventRing
}

// NewController returns a Controller with the given configuration. Zero-value
// bounds are replaced with usable defaults.
func NewController(cfg Config) *Controller {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Min <= 0 {
		cfg.Min = 10 * time.Second
	}
	if cfg.Max <= 0 || cfg.Max < cfg.Min {
		cfg.Max = 60 * time.Second
	}
	return &Controller{
		cfg:      cfg,
		profiles: make(map[string]*profile),
	}
}

// RequestTimeout returns the timeout to apply to the next request against the
// named provider. Until dynamic mode is on and at least five samples exist it
// is the provider's static timeout; after that it is avg+2*stddev of the
// recorded durations, clamped to the configured bounds.
func (c *Controller) RequestTimeout(provider string, static time.Duration) time.Duration {
	if !c.cfg.Dynamic {
		return static
	}

	c.mu.RLock()
	p := c.profiles[provider]
	c.mu.RUnlock()
	if p == nil {
		return static
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.durations.len() < minSamples {
		return static
	}
	avg, stddev := p.durations.stats()
	target := avg + 2*stddev
	if target < c.cfg.Min {
		target = c.cfg.Min
	}
	if target > c.cfg.Max {
		target = c.cfg.Max
	}
	return target
}

// Report records the outcome of one request: the observed duration always,
// and a failure event when the request timed out or otherwise errored.
func (c *Controller) Report(provider string, d time.Duration, success bool) {
	if !c.cfg.Monitoring {
		return
	}

	p := c.profileFor(provider)
	p.mu.Lock()
	p.durations.push(d)
	if !success {
		p.failures.push(time.Now())
	}
	p.mu.Unlock()
}

// Snapshot returns the current statistics for the named provider. ok is false
// when no requests have been reported for it yet.
func (c *Controller) Snapshot(provider string) (Stats, bool) {
	c.mu.RLock()
	p := c.profiles[provider]
	c.mu.RUnlock()
	if p == nil {
		return Stats{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Samples:  p.durations.len(),
		Failures: p.failures.len(),
	}
	if s.Samples >= minSamples {
		s.Avg, s.StdDev = p.durations.stats()
	}
	return s, true
}

func (c *Controller) profileFor(provider string) *profile {
	c.mu.RLock()
	p := c.profiles[provider]
	c.mu.RUnlock()
	if p != nil {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p = c.profiles[provider]; p == nil {
		p = &profile{
			durations: newDurationRing(c.cfg.HistorySize),
			failures:  newEventRing(c.cfg.HistorySize),
		}
		c.profiles[provider] = p
	}
	return p
}

// RetryDelay returns the sleep before retry number attempt (zero-based):
// base*2^attempt plus up to one second of jitter, never exceeding max.
// base is clamped to [1s, 3s].
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if base < time.Second {
		base = time.Second
	}
	if base > 3*time.Second {
		base = 3 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt overflows long before attempt gets here; anything past the
	// cap would be truncated anyway.
	if attempt > 16 {
		return max
	}

	d := base * time.Duration(1<<uint(attempt))
	d += time.Duration(rand.Float64() * float64(time.Second))
	if d > max {
		d = max
	}
	return d
}

// durationRing is a fixed-capacity ring of response durations.
type durationRing struct {
	buf  []time.Duration
	next int
	size int
}

func newDurationRing(capacity int) *durationRing {
	return &durationRing{buf: make([]time.Duration, capacity)}
}

func (r *durationRing) push(d time.Duration) {
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *durationRing) len() int { return r.size }

// stats returns the mean and population standard deviation of the ring.
func (r *durationRing) stats() (avg, stddev time.Duration) {
	if r.size == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < r.size; i++ {
		sum += float64(r.buf[i])
	}
	mean := sum / float64(r.size)

	var sq float64
	for i := 0; i < r.size; i++ {
		diff := float64(r.buf[i]) - mean
		sq += diff * diff
	}
	return time.Duration(mean), time.Duration(math.Sqrt(sq / float64(r.size)))
}

// eventRing is a fixed-capacity ring of failure timestamps.
type eventRing struct {
	buf  []time.Time
	next int
	size int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]time.Time, capacity)}
}

func (r *eventRing) push(t time.Time) {
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *eventRing) len() int { return r.size }
