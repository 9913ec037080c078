package history

import (
	"context"
	"testing"
	"time"
)

func newTestMemory(t *testing.T, cfg MemoryConfig) *Memory {
	t.Helper()
	m := NewMemory(context.Background(), cfg)
	t.Cleanup(m.Close)
	return m
}

func TestMemory_AppendAndRecent(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	if err := m.AppendUser(ctx, "u1", "c1", "what time is it"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendAssistant(ctx, "u1", "c1", "half past nine", Meta{Provider: "primary", Model: "evil"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := m.Recent(ctx, "u1", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "what time is it" {
		t.Errorf("first turn = %+v, want the user turn", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "half past nine" {
		t.Errorf("second turn = %+v, want the assistant turn", msgs[1])
	}
}

func TestMemory_LimitKeepsNewest(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four"} {
		if err := m.AppendUser(ctx, "u1", "c1", text); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := m.Recent(ctx, "u1", "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "three" || msgs[1].Content != "four" {
		t.Errorf("kept %q then %q, want the two newest oldest-first", msgs[0].Content, msgs[1].Content)
	}
}

func TestMemory_ZeroLimit(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	if err := m.AppendUser(ctx, "u1", "c1", "hello"); err != nil {
		t.Fatal(err)
	}
	msgs, err := m.Recent(ctx, "u1", "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("limit 0 returned %d messages", len(msgs))
	}
}

func TestMemory_PairIsolation(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	if err := m.AppendUser(ctx, "u1", "c1", "channel one"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendUser(ctx, "u1", "c2", "channel two"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendUser(ctx, "u2", "c1", "other user"); err != nil {
		t.Fatal(err)
	}

	msgs, err := m.Recent(ctx, "u1", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "channel one" {
		t.Fatalf("pair (u1,c1) sees %+v", msgs)
	}
}

func TestMemory_RingBound(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{MaxEntries: 3})
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		if err := m.AppendUser(ctx, "u1", "c1", text); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := m.Recent(ctx, "u1", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want the ring bound of 3", len(msgs))
	}
	if msgs[0].Content != "three" || msgs[2].Content != "five" {
		t.Errorf("ring holds %q..%q, want three..five", msgs[0].Content, msgs[2].Content)
	}
}

func TestMemory_IdleLogReadsEmpty(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{TTL: time.Hour})
	ctx := context.Background()

	if err := m.AppendUser(ctx, "u1", "c1", "hello"); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	m.now = func() time.Time { return base.Add(2 * time.Hour) }

	msgs, err := m.Recent(ctx, "u1", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("idle log returned %d messages", len(msgs))
	}
}

func TestMemory_EvictIdle(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{TTL: time.Hour})
	ctx := context.Background()

	if err := m.AppendUser(ctx, "u1", "c1", "old"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendUser(ctx, "u2", "c1", "old too"); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	if err := m.AppendUser(ctx, "u3", "c1", "fresh"); err != nil {
		t.Fatal(err)
	}

	m.evictIdle()
	if got := m.Len(); got != 1 {
		t.Fatalf("Len = %d after eviction, want 1", got)
	}
	msgs, err := m.Recent(ctx, "u3", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "fresh" {
		t.Fatalf("survivor log = %+v", msgs)
	}
}
