package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/whisper/dm-chat/internal/apperr"
)

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures. The
// users table carries a partial unique index that allows a single owner.
const uniqueViolation = "23505"

// Store is the PostgreSQL-backed Directory.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `id, username, phone, image, role, is_banned, is_muted, is_warn, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Phone, &u.Image, &role, &u.IsBanned, &u.IsMuted, &u.IsWarn, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

// Create inserts a new user. Registration lives outside this service; Create
// exists for seeding and tests.
func (s *Store) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO users (id, username, phone, image, role, is_banned, is_muted, is_warn, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Username, u.Phone, u.Image, string(u.Role),
		u.IsBanned, u.IsMuted, u.IsWarn, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("user conflicts with an existing record")
		}
		return apperr.Persistence("create user", fmt.Errorf("user: insert: %w", err))
	}
	return nil
}

// Get loads a single user by id.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound("user %s not found", id)
	}

	query := `SELECT ` + selectColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence("load user", fmt.Errorf("user: get: %w", err))
	}
	return u, nil
}

// List returns every user in creation order.
func (s *Store) List(ctx context.Context) ([]User, error) {
	query := `SELECT ` + selectColumns + ` FROM users ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Persistence("list users", fmt.Errorf("user: list: %w", err))
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.Persistence("list users", fmt.Errorf("user: scan: %w", err))
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list users", fmt.Errorf("user: rows: %w", err))
	}
	return users, nil
}

// Owner returns the owner or nil when the role is vacant.
func (s *Store) Owner(ctx context.Context) (*User, error) {
	query := `SELECT ` + selectColumns + ` FROM users WHERE role = 'owner' LIMIT 1`
	u, err := scanUser(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("load owner", fmt.Errorf("user: owner: %w", err))
	}
	return u, nil
}

// Save writes the moderation fields of u.
func (s *Store) Save(ctx context.Context, u *User) error {
	const query = `
		UPDATE users
		SET role = $2, is_banned = $3, is_muted = $4, is_warn = $5
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, u.ID, string(u.Role), u.IsBanned, u.IsMuted, u.IsWarn)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("an owner already exists")
		}
		return apperr.Persistence("save user", fmt.Errorf("user: update: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence("save user", fmt.Errorf("user: rows affected: %w", err))
	}
	if n == 0 {
		return apperr.NotFound("user %s not found", u.ID)
	}
	return nil
}

// Delete removes a user. Messages and notifications that reference it are
// kept.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return false, apperr.Persistence("delete user", fmt.Errorf("user: delete: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Persistence("delete user", fmt.Errorf("user: rows affected: %w", err))
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
