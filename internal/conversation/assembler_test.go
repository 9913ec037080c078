package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/parleybot/parley/internal/providers"
	"github.com/parleybot/parley/internal/uniqueness"
)

type fakeSource struct {
	msgs []providers.Message
	err  error

	calls      int
	gotUser    string
	gotChannel string
	gotLimit   int
}

func (s *fakeSource) Recent(ctx context.Context, userID, channelID string, limit int) ([]providers.Message, error) {
	s.calls++
	s.gotUser, s.gotChannel, s.gotLimit = userID, channelID, limit
	return s.msgs, s.err
}

type suffixEnhancer struct{ suffix string }

func (e suffixEnhancer) EnhanceSystemPrompt(userID, base string) string { return base + e.suffix }

func roles(msgs []providers.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

// --- assembly order -------------------------------------------------------

func TestAssemble_Order(t *testing.T) {
	src := &fakeSource{msgs: []providers.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}}
	a := New(src, nil, Config{SystemPrompt: "be helpful", HistoryLimit: 10})

	msgs, err := a.Assemble(context.Background(), "u1", "c1", "new question")
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"system", "user", "assistant", "user"}
	got := roles(msgs)
	if len(got) != len(want) {
		t.Fatalf("roles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roles = %v, want %v", got, want)
		}
	}
	if msgs[0].Content != "be helpful" {
		t.Errorf("system prompt = %q", msgs[0].Content)
	}
	if last := msgs[len(msgs)-1]; last.Content != "new question" {
		t.Errorf("last message = %q, want the new user message", last.Content)
	}
}

func TestAssemble_PassesIdentityToSource(t *testing.T) {
	src := &fakeSource{}
	a := New(src, nil, Config{HistoryLimit: 7})

	if _, err := a.Assemble(context.Background(), "user-9", "chan-3", "hi"); err != nil {
		t.Fatal(err)
	}
	if src.gotUser != "user-9" || src.gotChannel != "chan-3" || src.gotLimit != 7 {
		t.Errorf("source saw (%q, %q, %d), want (user-9, chan-3, 7)",
			src.gotUser, src.gotChannel, src.gotLimit)
	}
}

// --- ordering validator ---------------------------------------------------

func TestAssemble_DropsOrphanedToolMessage(t *testing.T) {
	// History was cut mid tool run and starts with a lone tool message.
	src := &fakeSource{msgs: []providers.Message{
		{Role: "tool", Content: "stale result", ToolCallID: "call_1"},
	}}
	a := New(src, nil, Config{SystemPrompt: "be helpful", HistoryLimit: 10})

	msgs, err := a.Assemble(context.Background(), "u1", "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("roles = %v, want [system user]", roles(msgs))
	}
}

func TestAssemble_KeepsCompleteToolRun(t *testing.T) {
	src := &fakeSource{msgs: []providers.Message{
		{Role: "user", Content: "weather?"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "call_1", Type: "function"}}},
		{Role: "tool", Content: "sunny", ToolCallID: "call_1"},
		{Role: "assistant", Content: "it is sunny"},
	}}
	a := New(src, nil, Config{SystemPrompt: "be helpful", HistoryLimit: 10})

	msgs, err := a.Assemble(context.Background(), "u1", "c1", "and tomorrow?")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"system", "user", "assistant", "tool", "assistant", "user"}
	got := roles(msgs)
	if len(got) != len(want) {
		t.Fatalf("roles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roles = %v, want %v", got, want)
		}
	}
}

func TestAssemble_DropsHistorySystemMessage(t *testing.T) {
	src := &fakeSource{msgs: []providers.Message{
		{Role: "system", Content: "stowaway"},
		{Role: "assistant", Content: "earlier reply"},
	}}
	a := New(src, nil, Config{SystemPrompt: "be helpful", HistoryLimit: 10})

	msgs, err := a.Assemble(context.Background(), "u1", "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs[1:] {
		if m.Role == "system" {
			t.Fatalf("history system message survived: %v", roles(msgs))
		}
	}
	if msgs[0].Content != "be helpful" {
		t.Errorf("first system message = %q, want the configured prompt", msgs[0].Content)
	}
}

// --- system prompt and enhancement ----------------------------------------

func TestAssemble_EnhancerApplied(t *testing.T) {
	a := New(nil, suffixEnhancer{suffix: "\n\nInternal Guidance:\n- vary tone"}, Config{
		SystemPrompt: "be helpful",
	})

	msgs, err := a.Assemble(context.Background(), "u1", "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Role != "system" {
		t.Fatalf("roles = %v, want system first", roles(msgs))
	}
	if !strings.Contains(msgs[0].Content, "Internal Guidance") {
		t.Errorf("system prompt missing guidance: %q", msgs[0].Content)
	}
	if !strings.HasPrefix(msgs[0].Content, "be helpful") {
		t.Errorf("base prompt lost: %q", msgs[0].Content)
	}
}

func TestAssemble_EnhancedEmptyBaseIsTrimmed(t *testing.T) {
	a := New(nil, suffixEnhancer{suffix: "\n\nInternal Guidance:\n- vary tone"}, Config{})

	msgs, err := a.Assemble(context.Background(), "u1", "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Role != "system" {
		t.Fatalf("roles = %v, want system first", roles(msgs))
	}
	if !strings.HasPrefix(msgs[0].Content, "Internal Guidance") {
		t.Errorf("enhanced empty base not trimmed: %q", msgs[0].Content)
	}
}

func TestAssemble_NoSystemMessageWhenEmpty(t *testing.T) {
	a := New(nil, nil, Config{})

	msgs, err := a.Assemble(context.Background(), "u1", "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("roles = %v, want [user]", roles(msgs))
	}
}

func TestAssemble_FilterSatisfiesEnhancer(t *testing.T) {
	f := uniqueness.New(uniqueness.Config{})
	for _, reply := range []string{
		"the festival starts friday evening",
		"parking fills up quickly near the gate",
		"bring water because the queue is long",
	} {
		f.RecordResponse("u1", reply)
	}
	a := New(nil, f, Config{SystemPrompt: "be helpful"})

	msgs, err := a.Assemble(context.Background(), "u1", "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0].Content, "Internal Guidance") {
		t.Errorf("filter-enhanced prompt missing guidance: %q", msgs[0].Content)
	}
}

// --- history failure modes ------------------------------------------------

func TestAssemble_HistoryDisabled(t *testing.T) {
	src := &fakeSource{msgs: []providers.Message{{Role: "user", Content: "old"}}}
	a := New(src, nil, Config{SystemPrompt: "be helpful"})

	msgs, err := a.Assemble(context.Background(), "u1", "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 0 {
		t.Errorf("source called %d times with history disabled", src.calls)
	}
	if len(msgs) != 2 {
		t.Fatalf("roles = %v, want [system user]", roles(msgs))
	}
}

func TestAssemble_NilSource(t *testing.T) {
	a := New(nil, nil, Config{SystemPrompt: "be helpful", HistoryLimit: 10})

	msgs, err := a.Assemble(context.Background(), "u1", "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("roles = %v, want [system user]", roles(msgs))
	}
}

func TestAssemble_SourceError(t *testing.T) {
	boom := errors.New("store gone")
	src := &fakeSource{err: boom}
	a := New(src, nil, Config{HistoryLimit: 10})

	if _, err := a.Assemble(context.Background(), "u1", "c1", "hi"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestAssembler_Tools(t *testing.T) {
	tools := []providers.Tool{{Type: "function", Function: providers.ToolDefinition{Name: "lookup"}}}
	a := New(nil, nil, Config{Tools: tools})
	if got := a.Tools(); len(got) != 1 || got[0].Function.Name != "lookup" {
		t.Errorf("Tools() = %+v", got)
	}
}
