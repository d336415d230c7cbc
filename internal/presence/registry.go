// Package presence implements the Presence Registry: the in-memory directory
// of every known user and whether they currently hold a live connection. It is
// the only place the connection <-> user mapping lives.
package presence

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/user"
)

// Entry is the presence record of one user. ConnectionID is non-empty iff
// Status is true.
type Entry struct {
	UserID       string    `json:"_id"`
	Username     string    `json:"username"`
	Phone        string    `json:"phone"`
	Image        string    `json:"image"`
	Role         user.Role `json:"role"`
	Status       bool      `json:"status"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Typing       bool      `json:"typing"`
	IsWarn       int       `json:"isWarn"`
	IsBanned     bool      `json:"isBanned"`
	IsMuted      bool      `json:"isMuted"`
}

// Online reports whether the entry has a live connection.
func (e Entry) Online() bool { return e.Status && e.ConnectionID != "" }

// Fields are the directory-owned attributes refreshed on join.
type Fields struct {
	Username string
	Phone    string
	Image    string
	Role     user.Role
	IsWarn   int
	IsBanned bool
	IsMuted  bool
}

// FieldsOf copies the mirrored attributes out of a directory record.
func FieldsOf(u *user.User) Fields {
	return Fields{
		Username: u.Username,
		Phone:    u.Phone,
		Image:    u.Image,
		Role:     u.Role,
		IsWarn:   u.IsWarn,
		IsBanned: u.IsBanned,
		IsMuted:  u.IsMuted,
	}
}

// Patch mirrors moderation changes. Nil fields are left untouched; status and
// connection are never changed by a patch.
type Patch struct {
	Role     *user.Role
	IsWarn   *int
	IsBanned *bool
	IsMuted  *bool
}

// PatchFrom builds a patch that mirrors every moderation field of u.
func PatchFrom(u *user.User) Patch {
	role, warn, banned, muted := u.Role, u.IsWarn, u.IsBanned, u.IsMuted
	return Patch{Role: &role, IsWarn: &warn, IsBanned: &banned, IsMuted: &muted}
}

// Registry holds one Entry per user in insertion order. Mutations are expected
// to come from the gateway event loop; the lock makes concurrent REST reads safe.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	byUser  map[string]int // user id -> index into entries
	byConn  map[string]int // connection id -> index into entries
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]int),
		byConn: make(map[string]int),
	}
}

// Bootstrap replaces the registry contents with one offline entry per user in
// the directory. A load failure is logged and leaves the registry empty.
func (r *Registry) Bootstrap(ctx context.Context, users user.Lister) {
	all, err := users.List(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
	r.byUser = make(map[string]int)
	r.byConn = make(map[string]int)

	if err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("bootstrap failed, starting with an empty registry")
		return
	}
	for i := range all {
		u := &all[i]
		r.appendLocked(u.ID, FieldsOf(u))
	}
	log.Info().Str("module", "presence").Int("users", len(r.entries)).Msg("registry bootstrapped")
}

func (r *Registry) appendLocked(userID string, f Fields) int {
	r.entries = append(r.entries, Entry{UserID: userID})
	idx := len(r.entries) - 1
	r.byUser[userID] = idx
	applyFields(&r.entries[idx], f)
	return idx
}

func applyFields(e *Entry, f Fields) {
	e.Username = f.Username
	e.Phone = f.Phone
	e.Image = f.Image
	e.Role = f.Role
	e.IsWarn = f.IsWarn
	e.IsBanned = f.IsBanned
	e.IsMuted = f.IsMuted
}

// Join marks userID online on connID, creating the entry when absent, and
// returns the full snapshot. If the user was bound to another connection the
// newer connection wins; if connID was bound to another user, that user goes
// offline.
func (r *Registry) Join(userID, connID string, fresh Fields) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.byConn[connID]; ok && r.entries[idx].UserID != userID {
		r.setOfflineLocked(idx)
	}

	idx, ok := r.byUser[userID]
	if !ok {
		idx = r.appendLocked(userID, fresh)
	} else {
		applyFields(&r.entries[idx], fresh)
	}

	e := &r.entries[idx]
	if e.ConnectionID != "" && e.ConnectionID != connID {
		delete(r.byConn, e.ConnectionID)
	}
	e.Status = true
	e.ConnectionID = connID
	e.Typing = false
	r.byConn[connID] = idx

	return r.snapshotLocked()
}

// Leave marks the entry bound to connID offline. Unknown ids are a no-op.
func (r *Registry) Leave(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	r.setOfflineLocked(idx)
	return r.entries[idx], true
}

func (r *Registry) setOfflineLocked(idx int) {
	e := &r.entries[idx]
	delete(r.byConn, e.ConnectionID)
	e.Status = false
	e.ConnectionID = ""
	e.Typing = false
}

// UpdateFields applies a moderation patch to userID. It reports false when
// the user has no entry.
func (r *Registry) UpdateFields(userID string, p Patch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byUser[userID]
	if !ok {
		return false
	}
	e := &r.entries[idx]
	if p.Role != nil {
		e.Role = *p.Role
	}
	if p.IsWarn != nil {
		e.IsWarn = *p.IsWarn
	}
	if p.IsBanned != nil {
		e.IsBanned = *p.IsBanned
	}
	if p.IsMuted != nil {
		e.IsMuted = *p.IsMuted
	}
	return true
}

// Remove deletes the entry for userID entirely. Used by kick and user deletion.
func (r *Registry) Remove(userID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	removed := r.entries[idx]
	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)

	r.byUser = make(map[string]int, len(r.entries))
	r.byConn = make(map[string]int, len(r.byConn))
	for i, e := range r.entries {
		r.byUser[e.UserID] = i
		if e.ConnectionID != "" {
			r.byConn[e.ConnectionID] = i
		}
	}
	return removed, true
}

// FindByUserID returns the entry for userID.
func (r *Registry) FindByUserID(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	return r.entries[idx], true
}

// FindByConnectionID returns the entry bound to connID.
func (r *Registry) FindByConnectionID(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	return r.entries[idx], true
}

// ConnectionOf returns the live connection of userID, or "" when offline.
func (r *Registry) ConnectionOf(userID string) string {
	e, ok := r.FindByUserID(userID)
	if !ok || !e.Online() {
		return ""
	}
	return e.ConnectionID
}

// Snapshot returns a copy of all entries in insertion order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// OnlineCount returns the number of entries with a live connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
