// Package history stores conversation turns per (user, channel) pair.
//
// Two backends are available:
//   - Memory — in-process bounded logs, zero external dependencies.
//     The default for single-instance deployments and tests.
//   - Redis — LPUSH/LTRIM rings, recommended when replies must survive
//     a restart.
//
// Both implement the Store interface so they are fully interchangeable.
// The store stands in for the chat platform's own message log: the reply
// publisher appends the inbound user turn and the generated reply, the
// assembler reads recent turns back, oldest first.
package history

import (
	"context"
	"time"

	"github.com/parleybot/parley/internal/providers"
)

// Meta is the metadata attached to an appended assistant reply.
type Meta struct {
	Provider  string
	Model     string
	RequestID string
	Failover  bool
}

// Store is the conversation log. Reads reflect all previously completed
// appends for the same pair; no transactional guarantees beyond that.
type Store interface {
	// Recent returns up to limit turns for the pair, oldest first.
	Recent(ctx context.Context, userID, channelID string, limit int) ([]providers.Message, error)

	// AppendUser records an inbound user turn.
	AppendUser(ctx context.Context, userID, channelID, text string) error

	// AppendAssistant records a generated reply with its metadata.
	AppendAssistant(ctx context.Context, userID, channelID, text string, meta Meta) error
}

// record is one stored turn. The wire shape for the Redis backend; the
// memory backend stores it directly.
type record struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Failover  bool      `json:"failover,omitempty"`
	At        time.Time `json:"at"`
}

func (r record) message() providers.Message {
	return providers.Message{Role: r.Role, Content: r.Content}
}

// messagesOf projects stored records onto conversation messages, keeping
// at most limit of the newest while preserving oldest-first order.
func messagesOf(recs []record, limit int) []providers.Message {
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	msgs := make([]providers.Message, len(recs))
	for i, r := range recs {
		msgs[i] = r.message()
	}
	return msgs
}
