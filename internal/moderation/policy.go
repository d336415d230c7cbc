// Package moderation implements the role-based moderation workflow: warn,
// ban, unban, mute, unmute, role change, kick and user deletion.
package moderation

import (
	"github.com/whisper/dm-chat/internal/apperr"
	"github.com/whisper/dm-chat/internal/user"
)

// Action names a moderation operation.
type Action string

const (
	ActionWarn   Action = "warn"
	ActionBan    Action = "ban"
	ActionUnban  Action = "unban"
	ActionMute   Action = "mute"
	ActionUnmute Action = "unmute"
	ActionRole   Action = "role"
	ActionKick   Action = "kick"
	ActionDelete Action = "delete"
)

// rule is one row of the authorization table. An empty minRole admits any
// actor and the system.
type rule struct {
	minRole        user.Role
	actorRequired  bool
	noSelf         bool
	mustOutrank    bool
	protectOwner   bool
	pastTenseLabel string
}

var rules = map[Action]rule{
	ActionWarn:   {protectOwner: true, pastTenseLabel: "warned"},
	ActionBan:    {minRole: user.RoleAdmin, actorRequired: true, noSelf: true, mustOutrank: true, protectOwner: true, pastTenseLabel: "banned"},
	ActionUnban:  {minRole: user.RoleAdmin, actorRequired: true, pastTenseLabel: "unbanned"},
	ActionMute:   {minRole: user.RoleModerator, actorRequired: true, noSelf: true, mustOutrank: true, protectOwner: true, pastTenseLabel: "muted"},
	ActionUnmute: {minRole: user.RoleModerator, actorRequired: true, noSelf: true, mustOutrank: true, protectOwner: true, pastTenseLabel: "unmuted"},
	ActionKick:   {minRole: user.RoleOwner, actorRequired: true, noSelf: true, mustOutrank: true, pastTenseLabel: "kicked"},
	ActionDelete: {pastTenseLabel: "deleted"},
}

// authorize applies the table row for action. actor is nil for system
// originated actions.
func authorize(action Action, actor, target *user.User) error {
	r, ok := rules[action]
	if !ok {
		return apperr.Validation("unknown moderation action %q", action)
	}
	if actor == nil {
		if r.actorRequired {
			return apperr.Validation("actorId is required")
		}
	} else if r.minRole != "" && actor.Role.Rank() < r.minRole.Rank() {
		return apperr.Forbidden("a %s cannot %s users", actor.Role, action)
	}
	if r.noSelf && actor != nil && actor.ID == target.ID {
		return apperr.Forbidden("you cannot %s yourself", action)
	}
	if r.protectOwner && target.Role == user.RoleOwner {
		return apperr.Forbidden("the owner cannot be %s", r.pastTenseLabel)
	}
	if r.mustOutrank && actor != nil && !actor.Role.Outranks(target.Role) {
		return apperr.Forbidden("a %s cannot %s a %s", actor.Role, action, target.Role)
	}
	return nil
}

// authorizeRoleChange decides make_admin. Only the owner assigns roles, except
// that any user may claim ownership for themselves while nobody holds it.
func authorizeRoleChange(actor, target *user.User, role user.Role, owner *user.User) error {
	if !role.Valid() {
		return apperr.Validation("unknown role %q", role)
	}
	if role == user.RoleOwner {
		if owner != nil {
			return apperr.Conflict("an owner already exists")
		}
		if actor.ID != target.ID {
			return apperr.Forbidden("ownership can only be claimed for yourself")
		}
		return nil
	}
	if actor.Role != user.RoleOwner {
		return apperr.Forbidden("only the owner can change roles")
	}
	if target.Role == user.RoleOwner {
		return apperr.Forbidden("the owner's role cannot be changed")
	}
	if target.Role == role {
		return apperr.Conflict("user is already %s", role)
	}
	return nil
}
