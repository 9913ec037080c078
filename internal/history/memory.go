package history

import (
	"context"
	"sync"
	"time"

	"github.com/parleybot/parley/internal/metrics"
	"github.com/parleybot/parley/internal/providers"
)

const (
	defaultMaxEntries = 200
	defaultLogTTL     = 24 * time.Hour

	cleanupInterval = 5 * time.Minute
)

// MemoryConfig tunes the in-process backend. The zero value works.
type MemoryConfig struct {
	// MaxEntries bounds each pair's log. Default 200.
	MaxEntries int
	// TTL evicts a pair's log after this much idle time. Default 24h.
	TTL     time.Duration
	Metrics *metrics.Registry
}

// memLog holds one pair's turns plus the last append time.
type memLog struct {
	records []record
	touched time.Time
}

// Memory is an in-process Store with per-pair bounded logs.
//
// It is safe for concurrent use. A background goroutine periodically
// removes idle logs to prevent unbounded memory growth.
type Memory struct {
	maxEntries int
	ttl        time.Duration
	met        *metrics.Registry
	now        func() time.Time

	mu   sync.RWMutex
	logs map[string]*memLog

	done chan struct{}
}

// NewMemory creates a Memory store and starts the background cleanup
// loop. The cleanup goroutine stops when ctx is cancelled or Close is
// called.
func NewMemory(ctx context.Context, cfg MemoryConfig) *Memory {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultLogTTL
	}
	m := &Memory{
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		met:        cfg.Metrics,
		now:        time.Now,
		logs:       make(map[string]*memLog),
		done:       make(chan struct{}),
	}
	go m.cleanup(ctx)
	return m
}

// pairKey joins the identifiers with a separator that cannot occur in
// either one.
func pairKey(userID, channelID string) string {
	return userID + "\x00" + channelID
}

// Recent returns up to limit turns, oldest first. An idle-expired log
// reads as empty; expiry itself is left to the cleanup loop.
func (m *Memory) Recent(_ context.Context, userID, channelID string, limit int) ([]providers.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	l, ok := m.logs[pairKey(userID, channelID)]
	var recs []record
	var touched time.Time
	if ok {
		recs = l.records
		touched = l.touched
	}
	m.mu.RUnlock()

	if !ok || m.now().Sub(touched) > m.ttl {
		m.count("recent", "empty")
		return nil, nil
	}
	m.count("recent", "ok")
	return messagesOf(recs, limit), nil
}

// AppendUser records an inbound user turn.
func (m *Memory) AppendUser(_ context.Context, userID, channelID, text string) error {
	m.append(userID, channelID, record{Role: "user", Content: text, At: m.now()})
	m.count("append_user", "ok")
	return nil
}

// AppendAssistant records a generated reply with its metadata.
func (m *Memory) AppendAssistant(_ context.Context, userID, channelID, text string, meta Meta) error {
	m.append(userID, channelID, record{
		Role:      "assistant",
		Content:   text,
		Provider:  meta.Provider,
		Model:     meta.Model,
		RequestID: meta.RequestID,
		Failover:  meta.Failover,
		At:        m.now(),
	})
	m.count("append_assistant", "ok")
	return nil
}

func (m *Memory) append(userID, channelID string, rec record) {
	key := pairKey(userID, channelID)
	now := m.now()

	m.mu.Lock()
	l, ok := m.logs[key]
	if !ok {
		l = &memLog{}
		m.logs[key] = l
	}
	l.records = append(l.records, rec)
	if len(l.records) > m.maxEntries {
		l.records = l.records[len(l.records)-m.maxEntries:]
	}
	l.touched = now
	m.mu.Unlock()
}

// Len returns the number of pairs currently held (including logs that
// may have expired but not yet been evicted).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs)
}

// Close stops the background cleanup goroutine.
func (m *Memory) Close() {
	close(m.done)
}

func (m *Memory) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *Memory) evictIdle() {
	now := m.now()

	m.mu.Lock()
	for k, l := range m.logs {
		if now.Sub(l.touched) > m.ttl {
			delete(m.logs, k)
		}
	}
	m.mu.Unlock()
}

func (m *Memory) count(op, result string) {
	if m.met != nil {
		m.met.RecordHistoryOp(op, result)
	}
}
