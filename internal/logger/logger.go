// Package logger implements a non-blocking, batched completion logger.
//
// Completion records are written to an internal buffered channel and
// flushed in batches by a background goroutine — so logging never blocks
// a reply. If the channel fills up (> 10 000 entries), new records are
// dropped and counted in DroppedLogs. An optional Sink receives the
// flushed batches (ClickHouse in production); without one, records are
// written through slog.
package logger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// CompletionLog is one fully handled chat event.
type CompletionLog struct {
	ID           uuid.UUID
	UserID       string
	ChannelID    string
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint32
	Failover     bool
	Enhanced     bool
	Kind         string
	CreatedAt    time.Time
}

// Sink receives flushed batches. Write must not retain the slice.
type Sink interface {
	Write(ctx context.Context, batch []CompletionLog) error
	Close() error
}

type Logger struct {
	ch        chan CompletionLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    Sink
}

// New starts the flush goroutine. sink may be nil, in which case batches
// are written through slogger (a JSON stdout logger when that is nil too).
func New(ctx context.Context, slogger *slog.Logger, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, errors.New("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan CompletionLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues one record. Never blocks; drops when the buffer is full.
func (l *Logger) Log(entry CompletionLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs returns how many records were dropped, either because the
// buffer was full or because a sink write failed.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the channel, flushes the final batch and stops the
// goroutine. The sink, when present, is closed afterwards.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]CompletionLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		l.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Logger) write(ctx context.Context, batch []CompletionLog) {
	if l.sink != nil {
		if err := l.sink.Write(ctx, batch); err != nil {
			l.log.WarnContext(ctx, "completion_sink_error",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
			atomic.AddInt64(&l.droppedLogs, int64(len(batch)))
		}
		return
	}

	for _, e := range batch {
		l.log.InfoContext(ctx, "completion",
			slog.String("id", e.ID.String()),
			slog.String("user_id", e.UserID),
			slog.String("channel_id", e.ChannelID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Bool("failover", e.Failover),
			slog.Bool("enhanced", e.Enhanced),
			slog.String("kind", e.Kind),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
