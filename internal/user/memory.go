package user

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/dm-chat/internal/apperr"
)

// MemoryStore is an in-process Directory used when no DATABASE_URL is
// configured and by tests. Users are returned in creation order.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]User
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]User)}
}

func (s *MemoryStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[u.ID]; ok {
		return apperr.Conflict("user %s already exists", u.ID)
	}
	for _, existing := range s.byID {
		if u.Phone != "" && existing.Phone == u.Phone {
			return apperr.Conflict("phone %s already registered", u.Phone)
		}
		if u.Role == RoleOwner && existing.Role == RoleOwner {
			return apperr.Conflict("an owner already exists")
		}
	}
	s.byID[u.ID] = *u
	s.order = append(s.order, u.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, apperr.NotFound("user %s not found", id)
	}
	return &u, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.order))
	for _, id := range s.order {
		users = append(users, s.byID[id])
	}
	return users, nil
}

func (s *MemoryStore) Owner(ctx context.Context) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if u := s.byID[id]; u.Role == RoleOwner {
			return &u, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Save(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[u.ID]
	if !ok {
		return apperr.NotFound("user %s not found", u.ID)
	}
	if u.Role == RoleOwner {
		for id, other := range s.byID {
			if id != u.ID && other.Role == RoleOwner {
				return apperr.Conflict("an owner already exists")
			}
		}
	}
	existing.Role = u.Role
	existing.IsBanned = u.IsBanned
	existing.IsMuted = u.IsMuted
	existing.IsWarn = u.IsWarn
	s.byID[u.ID] = existing
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false, nil
	}
	delete(s.byID, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}
