package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/apperr"
	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/notification"
	"github.com/whisper/dm-chat/internal/outbound"
	"github.com/whisper/dm-chat/internal/presence"
	"github.com/whisper/dm-chat/internal/protocol"
	"github.com/whisper/dm-chat/internal/user"
)

// Notifier creates notifications. *notification.Fanout implements it.
type Notifier interface {
	Create(ctx context.Context, target string, typ notification.Type, text string, from *notification.Sender) (*notification.Notification, error)
}

// Auditor receives every successful action as a JSON Event. It is optional.
type Auditor interface {
	PublishModerationAction(data []byte) error
}

// Request is one moderation command. ConnID is the issuing connection and
// receives the acknowledgement; it is empty for REST callers. RequireActor
// rejects a blank ActorID instead of running the action as the system; live
// connections always set it.
type Request struct {
	ActorID      string
	TargetID     string
	Reason       string
	Role         user.Role
	ConnID       string
	RequireActor bool
}

// Event is the audit record published for a successful action.
type Event struct {
	Action    Action    `json:"action"`
	ActorID   string    `json:"actorId,omitempty"`
	TargetID  string    `json:"targetId"`
	Reason    string    `json:"reason,omitempty"`
	Role      user.Role `json:"role"`
	IsWarn    int       `json:"isWarn"`
	IsBanned  bool      `json:"isBanned"`
	IsMuted   bool      `json:"isMuted"`
	Timestamp time.Time `json:"timestamp"`
}

// outcome describes what a successful action changed and how to announce it.
type outcome struct {
	actor     *user.User
	target    *user.User
	summary   string // issuer acknowledgement
	notice    string // personal message to the target
	broadcast string // everyone else
	noteType  notification.Type
	noteText  string
	remove    bool // drop the presence entry instead of patching it
	kick      bool
}

// Engine runs moderation actions. It must be driven from a single goroutine
// (the gateway event loop).
type Engine struct {
	users    user.Directory
	registry *presence.Registry
	out      *outbound.Publisher
	notes    Notifier
	audit    Auditor
	now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(users user.Directory, registry *presence.Registry, out *outbound.Publisher, notes Notifier) *Engine {
	return &Engine{users: users, registry: registry, out: out, notes: notes, now: time.Now}
}

// SetAuditor attaches the audit sink.
func (e *Engine) SetAuditor(a Auditor) {
	e.audit = a
}

// Execute runs action and returns the resulting projection of the target. The
// issuer is acknowledged on req.ConnID in both outcomes; on failure nothing
// else is sent and no state changes.
func (e *Engine) Execute(ctx context.Context, action Action, req Request) (user.Projection, error) {
	oc, err := e.run(ctx, action, req)
	if err != nil {
		e.fail(action, req, err)
		return user.Projection{}, err
	}
	proj := oc.target.Project()
	e.announce(ctx, action, req, oc, proj)
	return proj, nil
}

func (e *Engine) run(ctx context.Context, action Action, req Request) (*outcome, error) {
	switch action {
	case ActionWarn:
		return e.warn(ctx, req)
	case ActionBan:
		return e.ban(ctx, req)
	case ActionUnban:
		return e.unban(ctx, req)
	case ActionMute:
		return e.mute(ctx, req)
	case ActionUnmute:
		return e.unmute(ctx, req)
	case ActionRole:
		return e.changeRole(ctx, req)
	case ActionKick:
		return e.kick(ctx, req)
	case ActionDelete:
		return e.deleteUser(ctx, req)
	default:
		return nil, apperr.Validation("unknown moderation action %q", action)
	}
}

// load resolves actor and target. A blank actor id means the system unless
// the request requires an actor.
func (e *Engine) load(ctx context.Context, req Request) (actor, target *user.User, err error) {
	if strings.TrimSpace(req.TargetID) == "" {
		return nil, nil, apperr.Validation("targetUserId is required")
	}
	if req.RequireActor && strings.TrimSpace(req.ActorID) == "" {
		return nil, nil, apperr.Validation("actorId is required")
	}
	if req.ActorID != "" {
		if actor, err = e.users.Get(ctx, req.ActorID); err != nil {
			return nil, nil, err
		}
	}
	if target, err = e.users.Get(ctx, req.TargetID); err != nil {
		return nil, nil, err
	}
	return actor, target, nil
}

func (e *Engine) loadAuthorized(ctx context.Context, action Action, req Request) (actor, target *user.User, err error) {
	actor, target, err = e.load(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if err := authorize(action, actor, target); err != nil {
		return nil, nil, err
	}
	return actor, target, nil
}

func (e *Engine) warn(ctx context.Context, req Request) (*outcome, error) {
	actor, target, err := e.loadAuthorized(ctx, ActionWarn, req)
	if err != nil {
		return nil, err
	}
	if target.IsBanned {
		return nil, apperr.Conflict("%s is already banned", target.Username)
	}

	target.IsWarn++
	escalated := target.IsWarn >= user.WarnBanThreshold
	if escalated {
		target.IsBanned = true
	}
	if err := e.users.Save(ctx, target); err != nil {
		return nil, err
	}

	oc := &outcome{actor: actor, target: target, noteType: notification.TypeWarning}
	if escalated {
		oc.summary = fmt.Sprintf("%s reached %d warnings and was banned", target.Username, target.IsWarn)
		oc.notice = fmt.Sprintf("You were banned after %d warnings", target.IsWarn)
		oc.broadcast = fmt.Sprintf("%s was banned after repeated warnings", target.Username)
		oc.noteType = notification.TypeBan
		oc.noteText = oc.notice
	} else {
		oc.summary = fmt.Sprintf("%s was warned (%d/%d)", target.Username, target.IsWarn, user.WarnBanThreshold)
		oc.notice = fmt.Sprintf("You received a warning (%d/%d)", target.IsWarn, user.WarnBanThreshold)
		oc.broadcast = fmt.Sprintf("%s received a warning", target.Username)
		oc.noteText = oc.notice
	}
	oc.notice = withReason(oc.notice, req.Reason)
	oc.noteText = withReason(oc.noteText, req.Reason)
	return oc, nil
}

func (e *Engine) ban(ctx context.Context, req Request) (*outcome, error) {
	actor, target, err := e.loadAuthorized(ctx, ActionBan, req)
	if err != nil {
		return nil, err
	}
	if target.IsBanned {
		return nil, apperr.Conflict("%s is already banned", target.Username)
	}

	target.IsBanned = true
	target.IsWarn = 0
	if err := e.users.Save(ctx, target); err != nil {
		return nil, err
	}

	notice := withReason("You were banned by "+actor.Username, req.Reason)
	return &outcome{
		actor:     actor,
		target:    target,
		summary:   target.Username + " was banned",
		notice:    notice,
		broadcast: fmt.Sprintf("%s was banned by %s", target.Username, actor.Username),
		noteType:  notification.TypeBan,
		noteText:  notice,
	}, nil
}

func (e *Engine) unban(ctx context.Context, req Request) (*outcome, error) {
	actor, target, err := e.loadAuthorized(ctx, ActionUnban, req)
	if err != nil {
		return nil, err
	}
	if !target.IsBanned {
		return nil, apperr.Conflict("%s is not banned", target.Username)
	}

	target.IsBanned = false
	target.IsWarn = 0
	if err := e.users.Save(ctx, target); err != nil {
		return nil, err
	}
	return &outcome{
		actor:     actor,
		target:    target,
		summary:   target.Username + " was unbanned",
		notice:    "You were unbanned by " + actor.Username,
		broadcast: target.Username + " was unbanned",
	}, nil
}

// mute toggles: muting a muted user unmutes them.
func (e *Engine) mute(ctx context.Context, req Request) (*outcome, error) {
	actor, target, err := e.loadAuthorized(ctx, ActionMute, req)
	if err != nil {
		return nil, err
	}
	return e.setMuted(ctx, actor, target, !target.IsMuted, req.Reason)
}

func (e *Engine) unmute(ctx context.Context, req Request) (*outcome, error) {
	actor, target, err := e.loadAuthorized(ctx, ActionUnmute, req)
	if err != nil {
		return nil, err
	}
	if !target.IsMuted {
		return nil, apperr.Conflict("%s is not muted", target.Username)
	}
	return e.setMuted(ctx, actor, target, false, req.Reason)
}

func (e *Engine) setMuted(ctx context.Context, actor, target *user.User, muted bool, reason string) (*outcome, error) {
	target.IsMuted = muted
	if err := e.users.Save(ctx, target); err != nil {
		return nil, err
	}
	verb := "unmuted"
	if muted {
		verb = "muted"
	}
	return &outcome{
		actor:     actor,
		target:    target,
		summary:   fmt.Sprintf("%s was %s", target.Username, verb),
		notice:    withReason(fmt.Sprintf("You were %s by %s", verb, actor.Username), reason),
		broadcast: fmt.Sprintf("%s was %s", target.Username, verb),
	}, nil
}

func (e *Engine) changeRole(ctx context.Context, req Request) (*outcome, error) {
	actor, target, err := e.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, apperr.Validation("actorId is required")
	}
	owner, err := e.users.Owner(ctx)
	if err != nil {
		return nil, err
	}
	if err := authorizeRoleChange(actor, target, req.Role, owner); err != nil {
		return nil, err
	}

	target.Role = req.Role
	if err := e.users.Save(ctx, target); err != nil {
		return nil, err
	}
	return &outcome{
		actor:     actor,
		target:    target,
		summary:   fmt.Sprintf("%s is now %s", target.Username, target.Role),
		notice:    fmt.Sprintf("Your role was changed to %s by %s", target.Role, actor.Username),
		broadcast: fmt.Sprintf("%s is now %s", target.Username, target.Role),
	}, nil
}

// kick drops the target's presence entry and closes its connection. The
// directory record is untouched.
func (e *Engine) kick(ctx context.Context, req Request) (*outcome, error) {
	actor, target, err := e.loadAuthorized(ctx, ActionKick, req)
	if err != nil {
		return nil, err
	}
	return &outcome{
		actor:     actor,
		target:    target,
		summary:   target.Username + " was kicked",
		notice:    withReason("You were kicked by "+actor.Username, req.Reason),
		broadcast: target.Username + " was kicked",
		remove:    true,
		kick:      true,
	}, nil
}

func (e *Engine) deleteUser(ctx context.Context, req Request) (*outcome, error) {
	actor, target, err := e.loadAuthorized(ctx, ActionDelete, req)
	if err != nil {
		return nil, err
	}
	existed, err := e.users.Delete(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, apperr.NotFound("user %s not found", target.ID)
	}
	return &outcome{
		actor:     actor,
		target:    target,
		summary:   target.Username + " was deleted",
		notice:    "Your account was deleted",
		broadcast: target.Username + " was deleted",
		remove:    true,
		kick:      true,
	}, nil
}

// announce mirrors a persisted change into the registry and delivers the
// acknowledgement, the personal notice and the broadcast, in that order.
func (e *Engine) announce(ctx context.Context, action Action, req Request, oc *outcome, proj user.Projection) {
	target := oc.target
	targetConn := e.registry.ConnectionOf(target.ID)
	if oc.remove {
		e.registry.Remove(target.ID)
	} else {
		e.registry.UpdateFields(target.ID, presence.PatchFrom(target))
	}
	e.out.All(protocol.TypeOnlineUsers, e.registry.Snapshot())
	metrics.OnlineUsers.Set(float64(e.registry.OnlineCount()))

	e.out.To(req.ConnID, protocol.TypeModerationResult, protocol.ModerationResultMsg{
		Action:  string(action),
		Success: true,
		Message: oc.summary,
		User:    proj,
	})

	by := "system"
	if oc.actor != nil {
		by = oc.actor.Username
	}
	if oc.kick {
		e.out.To(targetConn, protocol.TypeKicked, protocol.KickedMsg{Message: oc.notice})
	} else {
		e.out.To(targetConn, protocol.TypeModerationNotice, protocol.ModerationNoticeMsg{
			Action:  string(action),
			Message: oc.notice,
			By:      by,
		})
	}

	if action == ActionDelete {
		e.out.All(protocol.TypeUserDeleted, protocol.UserDeletedMsg{UserID: target.ID})
	}
	e.out.AllExcept(protocol.TypeModerationBroadcast, protocol.ModerationBroadcastMsg{
		Action:   string(action),
		Message:  oc.broadcast,
		TargetID: target.ID,
	}, req.ConnID, targetConn)

	if oc.noteType != "" && e.notes != nil {
		var from *notification.Sender
		if oc.actor != nil {
			from = &notification.Sender{ID: oc.actor.ID, Username: oc.actor.Username, Image: oc.actor.Image}
		}
		if _, err := e.notes.Create(ctx, target.ID, oc.noteType, oc.noteText, from); err != nil {
			log.Warn().Err(err).Str("module", "moderation").Str("target", target.ID).Msg("notification failed")
		}
	}

	if oc.kick {
		e.out.Disconnect(targetConn)
	}

	metrics.ModerationActions.WithLabelValues(string(action), "ok").Inc()
	log.Info().
		Str("module", "moderation").
		Str("action", string(action)).
		Str("actor", req.ActorID).
		Str("target", target.ID).
		Msg("action applied")
	e.publish(action, req, target)
}

func (e *Engine) fail(action Action, req Request, err error) {
	kind := apperr.KindOf(err)
	metrics.ModerationActions.WithLabelValues(string(action), kind.String()).Inc()
	if kind == apperr.KindPersistence || kind == apperr.KindUnknown {
		log.Error().Err(err).Str("module", "moderation").Str("action", string(action)).Msg("action failed")
	} else {
		log.Debug().Err(err).Str("module", "moderation").Str("action", string(action)).Msg("action rejected")
	}
	e.out.To(req.ConnID, protocol.TypeModerationResult, protocol.ModerationResultMsg{
		Action:  string(action),
		Success: false,
		Code:    kind.String(),
		Message: apperr.PublicMessage(err),
	})
}

func (e *Engine) publish(action Action, req Request, target *user.User) {
	if e.audit == nil {
		return
	}
	data, err := json.Marshal(Event{
		Action:    action,
		ActorID:   req.ActorID,
		TargetID:  target.ID,
		Reason:    req.Reason,
		Role:      target.Role,
		IsWarn:    target.IsWarn,
		IsBanned:  target.IsBanned,
		IsMuted:   target.IsMuted,
		Timestamp: e.now().UTC(),
	})
	if err != nil {
		return
	}
	if err := e.audit.PublishModerationAction(data); err != nil {
		log.Warn().Err(err).Str("module", "moderation").Msg("audit publish failed")
	}
}

func withReason(text, reason string) string {
	if reason = strings.TrimSpace(reason); reason != "" {
		return text + ": " + reason
	}
	return text
}
