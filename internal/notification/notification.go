// Package notification implements Notification Fanout: every message, warning
// and ban notification is persisted first and then pushed to the target's live
// connection when one exists.
package notification

import (
	"context"
	"time"
)

// Type is the notification category.
type Type string

const (
	TypeMessage Type = "message"
	TypeWarning Type = "warning"
	TypeBan     Type = "ban"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return t == TypeMessage || t == TypeWarning || t == TypeBan
}

// ListLimit caps how many notifications List returns.
const ListLimit = 50

// Sender is a snapshot of the user that caused a notification. It is nil for
// system-originated notifications.
type Sender struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Image    string `json:"image"`
}

// Notification is a persisted notification record.
type Notification struct {
	ID        string    `json:"_id"`
	UserID    string    `json:"userId"`
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
	FromUser  *Sender   `json:"fromUser"`
	Read      bool      `json:"read"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository persists notifications. MarkRead returns an apperr NotFound error
// for unknown ids.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id string) (*Notification, error)
}
