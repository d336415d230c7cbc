// Package gateway is the Session Gateway: it turns inbound WebSocket events
// and REST calls into operations on the presence registry, the messaging
// relay, the moderation engine and the signaling relay, all serialized on a
// single Loop.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/apperr"
	"github.com/whisper/dm-chat/internal/message"
	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/moderation"
	"github.com/whisper/dm-chat/internal/outbound"
	"github.com/whisper/dm-chat/internal/presence"
	"github.com/whisper/dm-chat/internal/protocol"
	"github.com/whisper/dm-chat/internal/signaling"
	"github.com/whisper/dm-chat/internal/user"
	"github.com/whisper/dm-chat/internal/ws"
)

// SessionBinder records which user a connection belongs to.
type SessionBinder interface {
	BindUser(ctx context.Context, connID, userID string) error
}

var moderationActions = map[string]moderation.Action{
	protocol.TypeWarnUser:   moderation.ActionWarn,
	protocol.TypeBanUser:    moderation.ActionBan,
	protocol.TypeUnbanUser:  moderation.ActionUnban,
	protocol.TypeMuteUser:   moderation.ActionMute,
	protocol.TypeUnmuteUser: moderation.ActionUnmute,
	protocol.TypeChangeRole: moderation.ActionRole,
	protocol.TypeKickUser:   moderation.ActionKick,
	protocol.TypeDeleteUser: moderation.ActionDelete,
}

// Gateway routes events. Every handler runs on the Loop.
type Gateway struct {
	loop       *Loop
	users      user.Directory
	registry   *presence.Registry
	out        *outbound.Publisher
	messages   *message.Relay
	moderation *moderation.Engine
	signals    *signaling.Relay
	sessions   SessionBinder
}

// New creates a Gateway.
func New(loop *Loop, users user.Directory, registry *presence.Registry, out *outbound.Publisher,
	messages *message.Relay, engine *moderation.Engine, signals *signaling.Relay) *Gateway {
	return &Gateway{
		loop:       loop,
		users:      users,
		registry:   registry,
		out:        out,
		messages:   messages,
		moderation: engine,
		signals:    signals,
	}
}

// SetSessions enables Redis connection bindings.
func (g *Gateway) SetSessions(s SessionBinder) {
	g.sessions = s
}

// Register installs a handler on d for every client event except ping.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	for _, t := range []string{
		protocol.TypeJoin, protocol.TypeLeave, protocol.TypeGetHistory,
		protocol.TypeDeleteMessage, protocol.TypeSendMessage, protocol.TypeTyping,
		protocol.TypeCallUser, protocol.TypeAnswerCall, protocol.TypeICECandidate, protocol.TypeEndCall,
	} {
		d.Register(t, g.wsHandler)
	}
	for t := range moderationActions {
		d.Register(t, g.wsHandler)
	}
}

func (g *Gateway) wsHandler(c *ws.Connection, msgType string, msg any) {
	g.Handle(c.ID, msgType, msg)
}

// Handle queues one parsed client event from connID.
func (g *Gateway) Handle(connID, msgType string, msg any) {
	g.loop.Submit(msgType, func(ctx context.Context) {
		g.handle(ctx, connID, msgType, msg)
	})
}

// Disconnect is the transport's disconnect hook.
func (g *Gateway) Disconnect(connID string) {
	g.loop.Submit("disconnect", func(ctx context.Context) {
		g.leave(connID)
	})
}

func (g *Gateway) handle(ctx context.Context, connID, msgType string, msg any) {
	var err error
	switch m := msg.(type) {
	case protocol.JoinMsg:
		err = g.join(ctx, connID, m)
	case protocol.LeaveMsg:
		g.leave(connID)
	case protocol.GetHistoryMsg:
		var history []message.Message
		if history, err = g.messages.History(ctx, m.FromID, m.ToID); err == nil {
			g.out.To(connID, protocol.TypeChatHistory, history)
		}
	case protocol.DeleteMessageMsg:
		_, err = g.messages.Delete(ctx, m.MessageID)
	case protocol.SendMessageMsg:
		req := message.SendRequest{From: m.FromID, To: m.ToID, Text: m.Text, ConnID: connID}
		if m.Timestamp > 0 {
			req.Timestamp = time.UnixMilli(m.Timestamp)
		}
		_, err = g.messages.Send(ctx, req)
	case protocol.TypingMsg:
		g.messages.Typing(m.FromID, m.ToID, m.IsTyping == nil || *m.IsTyping)
	case protocol.ModerationMsg:
		// The engine acknowledges on the connection itself.
		g.moderate(ctx, connID, msgType, m)
	case protocol.SignalMsg:
		_, err = g.signals.Forward(msgType, connID, m)
	default:
		err = apperr.Validation("unsupported message type %q", msgType)
	}
	if err != nil {
		g.reportError(connID, msgType, err)
	}
}

// join binds connID to a freshly loaded user and announces presence.
func (g *Gateway) join(ctx context.Context, connID string, m protocol.JoinMsg) error {
	if strings.TrimSpace(m.UserID) == "" {
		return apperr.Validation("userId is required")
	}
	u, err := g.users.Get(ctx, m.UserID)
	if err != nil {
		return err
	}
	fields := presence.FieldsOf(u)
	if m.Image != "" {
		fields.Image = m.Image
	}
	g.registry.Join(u.ID, connID, fields)

	if g.sessions != nil {
		if err := g.sessions.BindUser(ctx, connID, u.ID); err != nil {
			log.Warn().Err(err).Str("module", "gateway").Str("conn", connID).Msg("session bind failed")
		}
	}
	log.Debug().Str("module", "gateway").Str("user", u.ID).Str("conn", connID).Msg("joined")
	g.broadcastPresence()
	return nil
}

func (g *Gateway) leave(connID string) {
	if e, ok := g.registry.Leave(connID); ok {
		log.Debug().Str("module", "gateway").Str("user", e.UserID).Str("conn", connID).Msg("left")
		g.broadcastPresence()
	}
}

// moderate runs a live moderation event. The actor is the explicit actorId or
// the user bound to connID; an anonymous connection is rejected.
func (g *Gateway) moderate(ctx context.Context, connID, msgType string, m protocol.ModerationMsg) {
	actor := m.ActorID
	if actor == "" {
		if e, ok := g.registry.FindByConnectionID(connID); ok {
			actor = e.UserID
		}
	}
	_, _ = g.moderation.Execute(ctx, moderationActions[msgType], moderation.Request{
		ActorID:      actor,
		TargetID:     m.TargetUserID,
		Reason:       m.Reason,
		Role:         user.Role(m.Role),
		ConnID:       connID,
		RequireActor: true,
	})
}

func (g *Gateway) broadcastPresence() {
	g.out.All(protocol.TypeOnlineUsers, g.registry.Snapshot())
	metrics.OnlineUsers.Set(float64(g.registry.OnlineCount()))
}

func (g *Gateway) reportError(connID, event string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindPersistence || kind == apperr.KindUnknown {
		log.Error().Err(err).Str("module", "gateway").Str("event", event).Msg("event failed")
	}
	g.out.To(connID, protocol.TypeError, protocol.ErrorMsg{
		Event:   event,
		Code:    kind.String(),
		Message: apperr.PublicMessage(err),
	})
}

// History loads a conversation on the loop.
func (g *Gateway) History(ctx context.Context, a, b string) ([]message.Message, error) {
	var out []message.Message
	err := g.loop.Do(ctx, "rest_history", func(ctx context.Context) error {
		var err error
		out, err = g.messages.History(ctx, a, b)
		return err
	})
	return out, err
}

// DeleteMessage deletes a message on the loop, broadcasting the removal.
func (g *Gateway) DeleteMessage(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := g.loop.Do(ctx, "rest_delete_message", func(ctx context.Context) error {
		var err error
		deleted, err = g.messages.Delete(ctx, id)
		return err
	})
	return deleted, err
}

// Moderate runs a moderation action on the loop on behalf of a REST caller.
func (g *Gateway) Moderate(ctx context.Context, action moderation.Action, req moderation.Request) (user.Projection, error) {
	var proj user.Projection
	err := g.loop.Do(ctx, "rest_"+string(action), func(ctx context.Context) error {
		var err error
		proj, err = g.moderation.Execute(ctx, action, req)
		return err
	})
	return proj, err
}

// Online returns the presence snapshot.
func (g *Gateway) Online() []presence.Entry {
	return g.registry.Snapshot()
}
