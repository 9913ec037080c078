package routing

import (
	"sync"
	"time"
)

// Mode is the router's operating mode.
//
//	ModeNormal   — requests go to the preferred provider first.
//	ModeFallback — a failover happened; requests go to the fallback
//	               provider until restoration brings the preferred one back.
type Mode int

const (
	ModeNormal   Mode = 0
	ModeFallback Mode = 1
)

func (m Mode) String() string {
	if m == ModeFallback {
		return "fallback"
	}
	return "normal"
}

// Selection names one provider+model pair.
type Selection struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// FailoverRecord documents the active failover. At most one exists at a
// time; a newer failover replaces it and reschedules restoration.
type FailoverRecord struct {
	OriginalProvider string    `json:"original_provider"`
	OriginalModel    string    `json:"original_model"`
	FallbackProvider string    `json:"fallback_provider"`
	FallbackModel    string    `json:"fallback_model"`
	StartedAt        time.Time `json:"started_at"`
	// UserModel is set when the model in effect at failover time came
	// from a manual override rather than configuration.
	UserModel string `json:"user_model,omitempty"`
}

// StateConfig tunes the router state machine.
type StateConfig struct {
	Preferred Selection

	// RestoreEnabled arms a one-shot restoration timer per failover
	// record. RestoreCooldown defaults to 60 seconds.
	RestoreEnabled  bool
	RestoreCooldown time.Duration

	// PreferredHealthy reports whether the named provider's most recent
	// health probe succeeded. Consulted when the restoration timer
	// fires; nil means "assume healthy".
	PreferredHealthy func(provider string) bool

	// OnRestore fires after a successful restoration, outside the state
	// lock.
	OnRestore func(from, to Selection)
}

// State is the serialized router state: current and preferred selection
// plus the failover record and its restoration timer. Every transition
// holds one mutex, so observers see either the pre- or post-transition
// state, never a torn view.
type State struct {
	cfg StateConfig

	mu         sync.Mutex
	current    Selection
	preferred  Selection
	record     *FailoverRecord
	overridden bool

	timer *time.Timer
	gen   int
}

// NewState starts in ModeNormal with current = preferred.
func NewState(cfg StateConfig) *State {
	if cfg.RestoreCooldown <= 0 {
		cfg.RestoreCooldown = 60 * time.Second
	}
	return &State{
		cfg:       cfg,
		current:   cfg.Preferred,
		preferred: cfg.Preferred,
	}
}

// Current returns the selection requests should try first.
func (s *State) Current() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Preferred returns the selection restoration steers back to.
func (s *State) Preferred() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferred
}

// Mode reports whether a failover record is active.
func (s *State) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record != nil {
		return ModeFallback
	}
	return ModeNormal
}

// Record returns a copy of the active failover record, if any.
func (s *State) Record() (FailoverRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return FailoverRecord{}, false
	}
	return *s.record, true
}

// NoteSuccess records that a request succeeded on the given selection.
// Success on the preferred provider clears any failover; success elsewhere
// creates (or replaces) the failover record and schedules restoration.
func (s *State) NoteSuccess(sel Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sel.Provider == s.preferred.Provider {
		s.current = sel
		s.clearRecordLocked()
		return
	}

	rec := &FailoverRecord{
		OriginalProvider: s.preferred.Provider,
		OriginalModel:    s.preferred.Model,
		FallbackProvider: sel.Provider,
		FallbackModel:    sel.Model,
		StartedAt:        time.Now(),
	}
	if s.overridden {
		rec.UserModel = s.preferred.Model
	}

	s.current = sel
	s.record = rec
	s.scheduleRestoreLocked()
}

// Override applies a manual provider/model choice: the restoration timer
// is cancelled, the failover record cleared, and the choice becomes both
// current and preferred so a later failover restores back to it.
func (s *State) Override(sel Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = sel
	s.preferred = sel
	s.overridden = true
	s.clearRecordLocked()
}

// Close cancels any outstanding restoration timer.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearRecordLocked()
}

func (s *State) clearRecordLocked() {
	s.record = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// scheduleRestoreLocked arms the one-shot restoration timer, replacing any
// previous one. The generation counter invalidates timers that were
// stopped after their function was already scheduled.
func (s *State) scheduleRestoreLocked() {
	if !s.cfg.RestoreEnabled {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.cfg.RestoreCooldown, func() { s.restore(gen) })
}

// restore fires when the cooldown elapses. It returns to the preferred
// provider only if its most recent health probe was healthy; otherwise
// the record stays and the fallback remains current. Each record gets at
// most one shot — a later failover schedules the next.
func (s *State) restore(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.record == nil {
		s.mu.Unlock()
		return
	}

	if s.cfg.PreferredHealthy != nil && !s.cfg.PreferredHealthy(s.preferred.Provider) {
		s.timer = nil
		s.mu.Unlock()
		return
	}

	from := s.current
	to := s.preferred
	s.current = to
	s.record = nil
	s.timer = nil
	s.mu.Unlock()

	if s.cfg.OnRestore != nil {
		s.cfg.OnRestore(from, to)
	}
}
