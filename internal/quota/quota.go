// Package quota implements per-provider admission control: a 60-second
// sliding window for per-minute limits plus a per-UTC-day free-tier
// counter with credit awareness. The guard is the single authority on
// whether an outbound request may be issued.
package quota

import (
	"sort"
	"sync"
	"time"
)

// Window is the sliding-window horizon for per-minute limiting.
const Window = time.Minute

const dayFormat = "2006-01-02"

// Reason explains a denied admission.
type Reason string

const (
	ReasonPerMinute       Reason = "per_minute"
	ReasonDaily           Reason = "daily"
	ReasonPaymentRequired Reason = "payment_required"
)

// Decision is the guard's answer to one admission request.
type Decision struct {
	Admit  bool
	Reason Reason
}

// ProviderLimits configures admission for one provider.
type ProviderLimits struct {
	// PerMinute caps requests in any 60-second window. Zero or negative
	// means no per-minute limit.
	PerMinute int

	// QuotaTracked enables the daily free-tier counter and credit check.
	QuotaTracked bool

	// DailyFree and DailyCredited are the two possible daily allowances;
	// which one applies depends on the key's paid status.
	DailyFree     int
	DailyCredited int
}

// Snapshot is a point-in-time view of one provider's quota state.
type Snapshot struct {
	WindowSize int
	FreeToday  int
	DailyLimit int
	Day        string
	IsFreeTier bool
	Credit     *float64
}

// Guard holds the admission state for all providers. All mutations of a
// provider's window and counters serialize on that provider's mutex.
type Guard struct {
	mu     sync.RWMutex
	states map[string]*state

	now func() time.Time
}

type state struct {
	mu     sync.Mutex
	limits ProviderLimits

	window []time.Time

	freeToday int
	day       string

	// isFreeTier starts true so an unknown key gets the conservative
	// allowance until the key-info endpoint says otherwise.
	isFreeTier bool
	credit     *float64
}

// NewGuard returns an empty Guard. Providers must be registered before
// their limits apply; admission for an unregistered provider is granted.
func NewGuard() *Guard {
	return &Guard{
		states: make(map[string]*state),
		now:    time.Now,
	}
}

// Register installs the limits for one provider, replacing any previous
// registration but keeping accumulated counters.
func (g *Guard) Register(provider string, limits ProviderLimits) {
	s := g.stateFor(provider)
	s.mu.Lock()
	s.limits = limits
	s.mu.Unlock()
}

// Admit decides whether one request to the named provider may go out now.
// Admission appends the request timestamp to the sliding window before the
// lock is released, so a granted slot is never observed as free by a
// concurrent caller.
func (g *Guard) Admit(provider string) Decision {
	s := g.stateFor(provider)
	now := g.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purge(now)
	if s.limits.PerMinute > 0 && len(s.window) >= s.limits.PerMinute {
		return Decision{Reason: ReasonPerMinute}
	}

	if s.limits.QuotaTracked {
		s.rollDay(now)
		if limit := s.dailyLimit(); limit > 0 && s.freeToday >= limit {
			return Decision{Reason: ReasonDaily}
		}
		if s.credit != nil && *s.credit < 0 {
			return Decision{Reason: ReasonPaymentRequired}
		}
	}

	s.window = append(s.window, now)
	return Decision{Admit: true}
}

// IncrementDaily counts one request against the provider's daily free
// allowance. Successful free-model completions and upstream 429s both
// consume quota.
func (g *Guard) IncrementDaily(provider string) {
	s := g.stateFor(provider)
	now := g.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollDay(now)
	s.freeToday++
}

// UpdateKeyInfo feeds the latest key-info snapshot into the guard: paid
// status selects which daily allowance applies, and a negative remaining
// credit blocks admission entirely.
func (g *Guard) UpdateKeyInfo(provider string, isFreeTier bool, credit *float64) {
	s := g.stateFor(provider)
	s.mu.Lock()
	s.isFreeTier = isFreeTier
	s.credit = credit
	s.mu.Unlock()
}

// WindowSize returns the number of requests in the provider's current
// 60-second window.
func (g *Guard) WindowSize(provider string) int {
	s := g.stateFor(provider)
	now := g.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purge(now)
	return len(s.window)
}

// Providers lists every provider the guard has seen, sorted by name.
func (g *Guard) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.states))
	for name := range g.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the provider's current quota state for the ops surface.
func (g *Guard) Snapshot(provider string) Snapshot {
	s := g.stateFor(provider)
	now := g.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purge(now)
	s.rollDay(now)

	var credit *float64
	if s.credit != nil {
		v := *s.credit
		credit = &v
	}
	return Snapshot{
		WindowSize: len(s.window),
		FreeToday:  s.freeToday,
		DailyLimit: s.dailyLimit(),
		Day:        s.day,
		IsFreeTier: s.isFreeTier,
		Credit:     credit,
	}
}

func (g *Guard) stateFor(provider string) *state {
	g.mu.RLock()
	s := g.states[provider]
	g.mu.RUnlock()
	if s != nil {
		return s
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if s = g.states[provider]; s == nil {
		s = &state{isFreeTier: true, day: g.now().UTC().Format(dayFormat)}
		g.states[provider] = s
	}
	return s
}

// purge drops window entries older than 60 seconds. Called under the
// state lock on every read so the window never reports stale pressure.
func (s *state) purge(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(s.window) && s.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

// rollDay resets the daily counter when the observed UTC day differs from
// the stored one. Safe to call from every locked operation; the reset
// happens exactly once per rollover regardless of caller interleaving.
func (s *state) rollDay(now time.Time) {
	day := now.UTC().Format(dayFormat)
	if s.day != day {
		s.day = day
		s.freeToday = 0
	}
}

func (s *state) dailyLimit() int {
	if s.isFreeTier {
		return s.limits.DailyFree
	}
	return s.limits.DailyCredited
}
