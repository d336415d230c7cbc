package message

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/apperr"
	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/notification"
	"github.com/whisper/dm-chat/internal/outbound"
	"github.com/whisper/dm-chat/internal/presence"
	"github.com/whisper/dm-chat/internal/protocol"
)

// MutedWarning is sent to a muted user who tries to send a message.
const MutedWarning = "You are muted and cannot send messages"

// Presence is the read side of the presence registry the relay needs.
type Presence interface {
	FindByUserID(userID string) (presence.Entry, bool)
}

// Notifier creates notifications. *notification.Fanout implements it.
type Notifier interface {
	Create(ctx context.Context, target string, typ notification.Type, text string, from *notification.Sender) (*notification.Notification, error)
}

// Limiter throttles senders. It returns false and the time until the window
// resets when userID is over its budget.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, time.Duration)
}

// SendRequest is one outgoing message. A zero Timestamp is assigned by the
// server; ConnID is the sender's connection and receives the acknowledgement.
type SendRequest struct {
	From      string
	To        string
	Text      string
	Timestamp time.Time
	ConnID    string
}

// Relay persists and delivers messages.
type Relay struct {
	repo     Repository
	presence Presence
	out      *outbound.Publisher
	notes    Notifier
	limiter  Limiter
	now      func() time.Time
}

// NewRelay creates a Relay. notes may be nil, in which case no message
// notifications are created.
func NewRelay(repo Repository, p Presence, out *outbound.Publisher, notes Notifier) *Relay {
	return &Relay{repo: repo, presence: p, out: out, notes: notes, now: time.Now}
}

// SetLimiter enables per-sender rate limiting.
func (r *Relay) SetLimiter(l Limiter) {
	r.limiter = l
}

// Send stores one message and delivers it to the recipient if they are online.
// A muted or throttled sender is told so on its own connection; in that case
// Send returns a nil message and a nil error.
func (r *Relay) Send(ctx context.Context, req SendRequest) (*Message, error) {
	if strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "" {
		return nil, apperr.Validation("fromId and toId are required")
	}
	if err := ValidateText(req.Text); err != nil {
		return nil, err
	}

	sender, known := r.presence.FindByUserID(req.From)
	conn := req.ConnID
	if conn == "" && known {
		conn = sender.ConnectionID
	}

	if known && sender.IsMuted {
		r.out.To(conn, protocol.TypeMuted, protocol.MutedMsg{Message: MutedWarning})
		metrics.MessagesTotal.WithLabelValues("muted").Inc()
		return nil, nil
	}

	if r.limiter != nil {
		if ok, retry := r.limiter.Allow(ctx, req.From); !ok {
			r.out.To(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(math.Ceil(retry.Seconds())),
			})
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			return nil, nil
		}
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	m := &Message{
		ID:        uuid.NewString(),
		From:      req.From,
		To:        req.To,
		Text:      req.Text,
		Timestamp: ts.UTC(),
	}
	if err := r.repo.Create(ctx, m); err != nil {
		log.Error().Err(err).Str("module", "message").Str("from", req.From).Msg("persist failed")
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("stored").Inc()

	r.out.To(conn, protocol.TypeMessageSent, m)

	recipient, ok := r.presence.FindByUserID(req.To)
	if !ok || !recipient.Online() {
		return m, nil
	}
	if r.out.To(recipient.ConnectionID, protocol.TypeReceiveMessage, m) {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	}

	if r.notes != nil {
		from := &notification.Sender{ID: req.From}
		text := "New message"
		if known {
			from.Username = sender.Username
			from.Image = sender.Image
			text = "New message from " + sender.Username
		}
		if _, err := r.notes.Create(ctx, req.To, notification.TypeMessage, text, from); err != nil {
			log.Warn().Err(err).Str("module", "message").Str("to", req.To).Msg("message notification failed")
		}
	}
	return m, nil
}

// History returns the conversation between a and b, oldest first.
func (r *Relay) History(ctx context.Context, a, b string) ([]Message, error) {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return nil, apperr.Validation("fromId and toId are required")
	}
	return r.repo.History(ctx, a, b)
}

// Delete hard-deletes a message and tells every connection about it. Deleting
// an unknown id succeeds without a broadcast.
func (r *Relay) Delete(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, apperr.Validation("messageId is required")
	}
	deleted, err := r.repo.Delete(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("module", "message").Str("message", id).Msg("delete failed")
		return false, err
	}
	if deleted {
		r.out.All(protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{MessageID: id})
		metrics.MessagesTotal.WithLabelValues("deleted").Inc()
	}
	return deleted, nil
}

// Typing forwards a typing indicator to an online recipient and reports
// whether it was delivered.
func (r *Relay) Typing(from, to string, typing bool) bool {
	if from == "" || to == "" {
		return false
	}
	recipient, ok := r.presence.FindByUserID(to)
	if !ok || !recipient.Online() {
		return false
	}
	return r.out.To(recipient.ConnectionID, protocol.TypeTyped, protocol.TypedMsg{From: from, Typing: typing})
}
