// Package protocol defines the WebSocket event types and payloads exchanged
// between clients and the chat core. Every frame is a JSON object with a
// "type" discriminator; payload field names are camelCase.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoin          = "join"
	TypeLeave         = "leave"
	TypeGetHistory    = "get_history"
	TypeDeleteMessage = "delete_message"
	TypeSendMessage   = "send_message"
	TypeTyping        = "typing"
	TypeWarnUser      = "warn_user"
	TypeBanUser       = "ban_user"
	TypeUnbanUser     = "unban_user"
	TypeMuteUser      = "mute_admin"
	TypeUnmuteUser    = "unmute_admin"
	TypeChangeRole    = "make_admin"
	TypeKickUser      = "kick_user"
	TypeDeleteUser    = "delete_user"
	TypeCallUser      = "call_user"
	TypeAnswerCall    = "answer_call"
	TypeICECandidate  = "ice_candidate"
	TypeEndCall       = "end_call"
	TypePing          = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated      = "session_created"
	TypeOnlineUsers         = "online_users"
	TypeChatHistory         = "chat_history"
	TypeMessageDeleted      = "message_deleted"
	TypeMessageSent         = "message_sent"
	TypeReceiveMessage      = "receive_message"
	TypeTyped               = "typed"
	TypeMuted               = "muted"
	TypeRateLimited         = "rate_limited"
	TypeNotification        = "notification"
	TypeModerationResult    = "moderation_result"
	TypeModerationNotice    = "moderation_notice"
	TypeModerationBroadcast = "moderation_broadcast"
	TypeUserDeleted         = "user_deleted"
	TypeKicked              = "kicked"
	TypeIncomingCall        = "incoming_call"
	TypeCallAnswered        = "call_answered"
	TypeCallEnded           = "call_ended"
	TypeError               = "error"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinMsg binds the connection to a user.
type JoinMsg struct {
	UserID string `json:"userId"`
	Image  string `json:"image,omitempty"`
}

// LeaveMsg marks the bound user offline without closing the socket.
type LeaveMsg struct{}

// GetHistoryMsg requests the conversation between two users.
type GetHistoryMsg struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
}

// DeleteMessageMsg hard-deletes one message.
type DeleteMessageMsg struct {
	MessageID string `json:"messageId"`
}

// SendMessageMsg sends a direct message. Timestamp is unix milliseconds; zero
// means the server assigns it.
type SendMessageMsg struct {
	FromID    string `json:"fromId"`
	ToID      string `json:"toId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// TypingMsg is a best-effort typing indicator. IsTyping defaults to true when
// omitted.
type TypingMsg struct {
	FromID   string `json:"fromId"`
	ToID     string `json:"toId"`
	IsTyping *bool  `json:"isTyping,omitempty"`
}

// ModerationMsg is shared by every moderation event. ActorID falls back to the
// user bound to the issuing connection; Role is only read by make_admin.
type ModerationMsg struct {
	ActorID      string `json:"actorId,omitempty"`
	TargetUserID string `json:"targetUserId"`
	Reason       string `json:"reason,omitempty"`
	Role         string `json:"role,omitempty"`
}

// SignalMsg is a call-signaling frame forwarded verbatim to another connection.
type SignalMsg struct {
	TargetConnectionID string          `json:"targetConnectionId"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// SessionCreatedMsg tells the client its connection id.
type SessionCreatedMsg struct {
	ConnectionID string `json:"connectionId"`
}

// MessageDeletedMsg announces a hard delete.
type MessageDeletedMsg struct {
	MessageID string `json:"messageId"`
}

// TypedMsg relays a typing indicator.
type TypedMsg struct {
	From   string `json:"from"`
	Typing bool   `json:"typing"`
}

// MutedMsg warns a muted sender that the message was not sent.
type MutedMsg struct {
	Message string `json:"message"`
}

// RateLimitedMsg is sent when the sender exceeded the message rate.
type RateLimitedMsg struct {
	RetryAfter int `json:"retryAfter"`
}

// ModerationResultMsg acknowledges a moderation action to its issuer.
type ModerationResultMsg struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	User    any    `json:"user,omitempty"`
}

// ModerationNoticeMsg is the personal message sent to a moderated user.
type ModerationNoticeMsg struct {
	Action  string `json:"action"`
	Message string `json:"message"`
	By      string `json:"by,omitempty"`
}

// ModerationBroadcastMsg informs every other connection about an action.
type ModerationBroadcastMsg struct {
	Action   string `json:"action"`
	Message  string `json:"message"`
	TargetID string `json:"targetId"`
}

// UserDeletedMsg announces removal of a user from the directory.
type UserDeletedMsg struct {
	UserID string `json:"userId"`
}

// KickedMsg is the last frame a kicked connection receives.
type KickedMsg struct {
	Message string `json:"message"`
}

// SignalRelayMsg is what the target of a call-signaling frame receives.
type SignalRelayMsg struct {
	FromConnectionID string          `json:"fromConnectionId"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// ErrorMsg communicates a failure for a non-moderation event.
type ErrorMsg struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// decoders maps each client event type to a function that decodes its payload.
var decoders = map[string]func(json.RawMessage) (any, error){
	TypeJoin:          decodeAs[JoinMsg],
	TypeLeave:         decodeAs[LeaveMsg],
	TypeGetHistory:    decodeAs[GetHistoryMsg],
	TypeDeleteMessage: decodeAs[DeleteMessageMsg],
	TypeSendMessage:   decodeAs[SendMessageMsg],
	TypeTyping:        decodeAs[TypingMsg],
	TypeWarnUser:      decodeAs[ModerationMsg],
	TypeBanUser:       decodeAs[ModerationMsg],
	TypeUnbanUser:     decodeAs[ModerationMsg],
	TypeMuteUser:      decodeAs[ModerationMsg],
	TypeUnmuteUser:    decodeAs[ModerationMsg],
	TypeChangeRole:    decodeAs[ModerationMsg],
	TypeKickUser:      decodeAs[ModerationMsg],
	TypeDeleteUser:    decodeAs[ModerationMsg],
	TypeCallUser:      decodeAs[SignalMsg],
	TypeAnswerCall:    decodeAs[SignalMsg],
	TypeICECandidate:  decodeAs[SignalMsg],
	TypeEndCall:       decodeAs[SignalMsg],
	TypePing:          decodeAs[PingMsg],
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client event. It
// returns the event type, the decoded struct and any parse error. Unknown and
// server-only types are errors.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	decode, ok := decoders[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
	msg, err := decode(env.Raw)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload and injects msgType under the "type" key.
// Struct and map payloads are merged into the top-level object; any other
// JSON value (arrays, strings) is placed under "data".
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	// RawMessage values keep nested payloads byte-for-byte, which the
	// signaling relay depends on.
	m := make(map[string]json.RawMessage)
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
	} else if string(raw) != "null" {
		m["data"] = raw
	}

	typ, err := json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
