// Package message implements the Messaging Relay: persisted one-to-one chat
// messages, their history and deletion, and live typing indicators.
package message

import (
	"context"
	"time"
)

// Message is an immutable direct message. It can only be hard-deleted.
type Message struct {
	ID        string    `json:"_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository persists messages. Driver failures are apperr Persistence errors.
type Repository interface {
	Create(ctx context.Context, m *Message) error
	// History returns every message exchanged between a and b in either
	// direction, oldest first.
	History(ctx context.Context, a, b string) ([]Message, error)
	// Delete removes a message and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
}
