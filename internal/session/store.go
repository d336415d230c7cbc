// Package session keeps a Redis record for every live WebSocket connection
// and the user it is bound to, so operators and other services can see which
// instance holds a user's socket.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "dmchat:conn:"

	// UserPrefix maps a user id to its current connection id.
	UserPrefix = "dmchat:user:"

	// TTL bounds how long a record outlives a crashed instance.
	TTL = 1 * time.Hour
)

// Record is the Redis view of one connection.
type Record struct {
	ConnectionID string `redis:"id"`
	UserID       string `redis:"user_id"` // empty until join
	Server       string `redis:"server"`
	CreatedAt    int64  `redis:"created_at"`
	LastActive   int64  `redis:"last_active"`
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore wraps an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// Create stores a record for a fresh, not yet joined connection.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          connID,
		"user_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// BindUser records that connID now belongs to userID.
func (s *Store) BindUser(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	pipe.Set(ctx, UserPrefix+userID, connID, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: bind %s: %w", connID, err)
	}
	return nil
}

// Get returns the record for connID, or nil if there is none.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if rec.ConnectionID == "" {
		return nil, nil
	}
	return &rec, nil
}

// ConnectionOf returns the connection last bound to userID, or "".
func (s *Store) ConnectionOf(ctx context.Context, userID string) (string, error) {
	connID, err := s.client.Get(ctx, UserPrefix+userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: lookup user %s: %w", userID, err)
	}
	return connID, nil
}

// Delete removes the record for connID and, if it still owns it, the user
// mapping.
func (s *Store) Delete(ctx context.Context, connID string) error {
	rec, err := s.Get(ctx, connID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	if rec != nil && rec.UserID != "" {
		if current, _ := s.ConnectionOf(ctx, rec.UserID); current == connID {
			pipe.Del(ctx, UserPrefix+rec.UserID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}
