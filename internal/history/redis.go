package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleybot/parley/internal/metrics"
	"github.com/parleybot/parley/internal/providers"
)

const defaultQueryTimeout = 500 * time.Millisecond

// RedisConfig tunes the Redis backend. The zero value works.
type RedisConfig struct {
	// MaxEntries bounds each pair's ring via LTRIM. Default 200.
	MaxEntries int
	// TTL refreshes the key expiry on every append. Default 24h.
	TTL     time.Duration
	Metrics *metrics.Registry
}

// Redis is a Store backed by per-pair Redis lists.
//
// Key format: history:{user_id}:{channel_id}, newest turn at the head.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Recent returns no history on any error.
//   - Appends return nil even on error so a storage outage never fails
//     a reply that was already generated.
type Redis struct {
	client       *redis.Client
	maxEntries   int
	ttl          time.Duration
	met          *metrics.Registry
	queryTimeout time.Duration
}

// NewRedisFromClient wraps an existing Redis client. The caller owns the
// client lifecycle (creation and Close).
func NewRedisFromClient(cli *redis.Client, cfg RedisConfig) *Redis {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultLogTTL
	}
	return &Redis{
		client:       cli,
		maxEntries:   cfg.MaxEntries,
		ttl:          cfg.TTL,
		met:          cfg.Metrics,
		queryTimeout: defaultQueryTimeout,
	}
}

// NewRedisFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns the store. Returns an error if the
// URL is invalid or the initial ping fails.
func NewRedisFromURL(ctx context.Context, redisURL string, cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("history: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	return NewRedisFromClient(cli, cfg), nil
}

func historyKey(userID, channelID string) string {
	return "history:" + userID + ":" + channelID
}

// Recent returns up to limit turns, oldest first. Redis errors are
// logged at WARN level and read as an empty history.
func (s *Redis) Recent(ctx context.Context, userID, channelID string, limit int) ([]providers.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	key := historyKey(userID, channelID)
	raw, err := s.client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		slog.WarnContext(ctx, "history_read_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		s.count("recent", "error")
		return nil, nil
	}
	if len(raw) == 0 {
		s.count("recent", "empty")
		return nil, nil
	}

	// The list stores newest first; walk it backwards to hand the
	// assembler oldest-first messages. Corrupt entries are skipped.
	msgs := make([]providers.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var rec record
		if err := json.Unmarshal([]byte(raw[i]), &rec); err != nil {
			continue
		}
		msgs = append(msgs, rec.message())
	}
	s.count("recent", "ok")
	return msgs, nil
}

// AppendUser records an inbound user turn.
func (s *Redis) AppendUser(ctx context.Context, userID, channelID, text string) error {
	s.push(ctx, "append_user", userID, channelID, record{
		Role: "user", Content: text, At: time.Now(),
	})
	return nil
}

// AppendAssistant records a generated reply with its metadata.
func (s *Redis) AppendAssistant(ctx context.Context, userID, channelID, text string, meta Meta) error {
	s.push(ctx, "append_assistant", userID, channelID, record{
		Role:      "assistant",
		Content:   text,
		Provider:  meta.Provider,
		Model:     meta.Model,
		RequestID: meta.RequestID,
		Failover:  meta.Failover,
		At:        time.Now(),
	})
	return nil
}

// push appends one turn: LPUSH, LTRIM to the ring bound, refresh the key
// TTL. Errors are logged and swallowed — graceful degradation.
func (s *Redis) push(ctx context.Context, op, userID, channelID string, rec record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.count(op, "error")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	key := historyKey(userID, channelID)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(s.maxEntries-1))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "history_append_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		s.count(op, "error")
		return
	}
	s.count(op, "ok")
}

// Close releases the Redis connection pool.
func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) count(op, result string) {
	if s.met != nil {
		s.met.RecordHistoryOp(op, result)
	}
}
