package message

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/whisper/dm-chat/internal/apperr"
)

// Store is the PostgreSQL-backed Repository.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (id, from_user, to_user, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, m.ID, m.From, m.To, m.Text, m.Timestamp); err != nil {
		return apperr.Persistence("create message", fmt.Errorf("message: insert: %w", err))
	}
	return nil
}

func (s *Store) History(ctx context.Context, a, b string) ([]Message, error) {
	if !validID(a) || !validID(b) {
		return []Message{}, nil
	}

	const query = `
		SELECT id, from_user, to_user, text, created_at
		FROM messages
		WHERE (from_user = $1 AND to_user = $2) OR (from_user = $2 AND to_user = $1)
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, apperr.Persistence("load history", fmt.Errorf("message: history: %w", err))
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Text, &m.Timestamp); err != nil {
			return nil, apperr.Persistence("load history", fmt.Errorf("message: scan: %w", err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("load history", fmt.Errorf("message: rows: %w", err))
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return false, apperr.Persistence("delete message", fmt.Errorf("message: delete: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Persistence("delete message", fmt.Errorf("message: rows affected: %w", err))
	}
	return n > 0, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
