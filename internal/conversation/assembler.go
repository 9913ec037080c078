// Package conversation builds the message list sent upstream for a chat
// event: the (possibly enhanced) system prompt first, prior turns for the
// same user and channel in order, then the new user message.
//
// The assembler is purely transformational — its only I/O is the history
// read through the Source collaborator. Role-ordering violations in the
// assembled list (orphaned tool results, stray system messages) are dropped
// before the list is handed to the router.
package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleybot/parley/internal/providers"
)

// Source supplies prior conversation turns for a (user, channel) pair,
// oldest first. Implementations degrade to an empty slice when the backing
// store is unavailable; an error is reserved for context cancellation and
// other non-recoverable conditions.
type Source interface {
	Recent(ctx context.Context, userID, channelID string, limit int) ([]providers.Message, error)
}

// Enhancer augments the base system prompt with per-user guidance. The
// uniqueness filter implements it; a nil Enhancer leaves the prompt as-is.
type Enhancer interface {
	EnhanceSystemPrompt(userID, basePrompt string) string
}

// Config holds the static inputs shared by every assembled request.
type Config struct {
	// SystemPrompt is the base system prompt. Empty means no system
	// message is emitted unless the enhancer contributes guidance.
	SystemPrompt string

	// HistoryLimit caps how many prior turns are loaded per request.
	// Zero disables history entirely.
	HistoryLimit int

	// Tools is the tool schema list offered to the model.
	Tools []providers.Tool
}

// Assembler turns one chat event into the upstream message list.
type Assembler struct {
	source   Source
	enhancer Enhancer
	cfg      Config
}

// New builds an Assembler. Both collaborators are optional: a nil source
// assembles without history, a nil enhancer leaves the system prompt as-is.
func New(source Source, enhancer Enhancer, cfg Config) *Assembler {
	return &Assembler{source: source, enhancer: enhancer, cfg: cfg}
}

// Tools returns the tool schema list requests should carry.
func (a *Assembler) Tools() []providers.Tool { return a.cfg.Tools }

// Assemble produces the message list for one chat event. The result is
// already validated: every message satisfies the role-ordering rules and
// carries content (the empty string at minimum, never absent).
func (a *Assembler) Assemble(ctx context.Context, userID, channelID, text string) ([]providers.Message, error) {
	msgs := make([]providers.Message, 0, a.cfg.HistoryLimit+2)

	if prompt := a.systemPrompt(userID); prompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: prompt})
	}

	if a.source != nil && a.cfg.HistoryLimit > 0 {
		hist, err := a.source.Recent(ctx, userID, channelID, a.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		msgs = append(msgs, hist...)
	}

	msgs = append(msgs, providers.Message{Role: "user", Content: text})
	return providers.SanitizeMessages(msgs), nil
}

// systemPrompt applies the enhancer to the base prompt. Enhancement on an
// empty base can leave leading blank lines, so the result is trimmed.
func (a *Assembler) systemPrompt(userID string) string {
	prompt := a.cfg.SystemPrompt
	if a.enhancer != nil {
		prompt = a.enhancer.EnhanceSystemPrompt(userID, prompt)
	}
	return strings.TrimSpace(prompt)
}
