// Package user holds the User Directory: the persistent source of truth for
// identity, role and the ban/mute/warn counters that the moderation engine
// mutates and the presence registry mirrors.
package user

import (
	"context"
	"time"
)

// Role is a privilege level in the moderation hierarchy.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
	RoleOwner     Role = "owner"
)

// WarnBanThreshold is the warning count at which a user is banned.
const WarnBanThreshold = 3

// Rank orders roles: owner > admin > moderator > user. Unknown roles rank
// below user.
func (r Role) Rank() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleModerator:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool { return r.Rank() > 0 }

// Outranks reports whether r is strictly more privileged than other.
func (r Role) Outranks(other Role) bool { return r.Rank() > other.Rank() }

// User is a directory record.
type User struct {
	ID        string    `json:"_id"`
	Username  string    `json:"username"`
	Phone     string    `json:"phone"`
	Image     string    `json:"image"`
	Role      Role      `json:"role"`
	IsBanned  bool      `json:"isBanned"`
	IsMuted   bool      `json:"isMuted"`
	IsWarn    int       `json:"isWarn"`
	CreatedAt time.Time `json:"createdAt"`
}

// Projection is the public view of a user returned in acknowledgements.
type Projection struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Image    string `json:"image"`
	Role     Role   `json:"role"`
	IsBanned bool   `json:"isBanned"`
	IsMuted  bool   `json:"isMuted"`
	IsWarn   int    `json:"isWarn"`
}

// Project returns the public view of u.
func (u *User) Project() Projection {
	return Projection{
		ID:       u.ID,
		Username: u.Username,
		Image:    u.Image,
		Role:     u.Role,
		IsBanned: u.IsBanned,
		IsMuted:  u.IsMuted,
		IsWarn:   u.IsWarn,
	}
}

// Lister loads every user. The presence registry only needs this much of the
// directory at startup.
type Lister interface {
	List(ctx context.Context) ([]User, error)
}

// Directory is the persistent user store. Get returns an apperr NotFound error
// for unknown ids; driver failures are apperr Persistence errors.
type Directory interface {
	Lister
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	// Owner returns the current owner, or nil when nobody holds the role.
	Owner(ctx context.Context) (*User, error)
	// Save persists role, ban, mute and warn fields of u.
	Save(ctx context.Context, u *User) error
	// Delete removes the user and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
}
