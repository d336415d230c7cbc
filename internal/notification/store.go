package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/whisper/dm-chat/internal/apperr"
)

// Store is the PostgreSQL-backed Repository. The sender snapshot is stored as
// JSONB so it survives deletion of the sending user.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, n *Notification) error {
	var fromJSON []byte
	if n.FromUser != nil {
		var err error
		fromJSON, err = json.Marshal(n.FromUser)
		if err != nil {
			return apperr.Persistence("create notification", fmt.Errorf("notification: marshal sender: %w", err))
		}
	}

	const query = `
		INSERT INTO notifications (id, user_id, type, message, from_user, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		n.ID, n.UserID, string(n.Type), n.Message, fromJSON, n.Read, n.Timestamp,
	)
	if err != nil {
		return apperr.Persistence("create notification", fmt.Errorf("notification: insert: %w", err))
	}
	return nil
}

func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return []Notification{}, nil
	}

	const query = `
		SELECT id, user_id, type, message, from_user, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, apperr.Persistence("list notifications", fmt.Errorf("notification: list: %w", err))
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, apperr.Persistence("list notifications", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list notifications", fmt.Errorf("notification: rows: %w", err))
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, id string) (*Notification, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound("notification %s not found", id)
	}

	const query = `
		UPDATE notifications SET read = TRUE
		WHERE id = $1
		RETURNING id, user_id, type, message, from_user, read, created_at`

	n, err := scanNotification(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence("mark notification read", err)
	}
	return n, nil
}

func scanNotification(row interface{ Scan(...any) error }) (*Notification, error) {
	var (
		n        Notification
		typ      string
		fromJSON []byte
	)
	if err := row.Scan(&n.ID, &n.UserID, &typ, &n.Message, &fromJSON, &n.Read, &n.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("notification: scan: %w", err)
	}
	n.Type = Type(typ)
	if len(fromJSON) > 0 {
		var from Sender
		if err := json.Unmarshal(fromJSON, &from); err != nil {
			return nil, fmt.Errorf("notification: unmarshal sender: %w", err)
		}
		n.FromUser = &from
	}
	return &n, nil
}
