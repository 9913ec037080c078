package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const completionsDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id            UUID,
	user_id       String,
	channel_id    String,
	provider      LowCardinality(String),
	model         LowCardinality(String),
	input_tokens  UInt32,
	output_tokens UInt32,
	latency_ms    UInt32,
	failover      Bool,
	enhanced      Bool,
	kind          LowCardinality(String),
	created_at    DateTime
) ENGINE = MergeTree
ORDER BY (created_at, id)`

// ClickHouseConfig locates the analytics database.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	// Table name for completion records. Default "completions".
	Table string
}

// ClickHouseSink batches completion records into a ClickHouse table.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink opens the connection, verifies it with a ping and
// creates the completions table when it does not exist yet.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	if cfg.Table == "" {
		cfg.Table = "completions"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	s := &ClickHouseSink{conn: conn, table: cfg.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseSink) ensureTable(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf(completionsDDL, s.table)); err != nil {
		return fmt.Errorf("clickhouse: create table: %w", err)
	}
	return nil
}

// Write appends the batch and sends it in one insert.
func (s *ClickHouseSink) Write(ctx context.Context, entries []CompletionLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.UserID,
			e.ChannelID,
			e.Provider,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Failover,
			e.Enhanced,
			e.Kind,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
