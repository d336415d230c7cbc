package notification

import (
	"context"
	"sort"
	"sync"

	"github.com/whisper/dm-chat/internal/apperr"
)

// MemoryStore is an in-process Repository.
type MemoryStore struct {
	mu    sync.RWMutex
	items []Notification
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, *n)
	return nil
}

func (s *MemoryStore) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	s.mu.RLock()
	var out []Notification
	for _, n := range s.items {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, id string) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Read = true
			n := s.items[i]
			return &n, nil
		}
	}
	return nil, apperr.NotFound("notification %s not found", id)
}
