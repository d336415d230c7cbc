package notification

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/apperr"
	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/outbound"
	"github.com/whisper/dm-chat/internal/protocol"
)

// Locator resolves a user's live connection. The presence registry implements it.
type Locator interface {
	ConnectionOf(userID string) string
}

// Bus forwards persisted notifications to other services (push gateways,
// mailers). It is optional.
type Bus interface {
	PublishNotification(userID string, data []byte) error
}

// Fanout is the single entry point for creating notifications.
type Fanout struct {
	repo     Repository
	presence Locator
	out      *outbound.Publisher
	bus      Bus
	now      func() time.Time
}

// NewFanout creates a Fanout.
func NewFanout(repo Repository, presence Locator, out *outbound.Publisher) *Fanout {
	return &Fanout{repo: repo, presence: presence, out: out, now: time.Now}
}

// SetBus attaches an event bus that receives every created notification.
func (f *Fanout) SetBus(b Bus) {
	f.bus = b
}

// Create persists a notification for target and then pushes it to the
// target's connection if they are online. The push is best-effort: an offline
// target still gets the stored record.
func (f *Fanout) Create(ctx context.Context, target string, typ Type, text string, from *Sender) (*Notification, error) {
	if strings.TrimSpace(target) == "" {
		return nil, apperr.Validation("notification target is required")
	}
	if !typ.Valid() {
		return nil, apperr.Validation("unknown notification type %q", typ)
	}

	n := &Notification{
		ID:        uuid.NewString(),
		UserID:    target,
		Type:      typ,
		Message:   text,
		FromUser:  from,
		Timestamp: f.now().UTC(),
	}
	if err := f.repo.Create(ctx, n); err != nil {
		log.Error().Err(err).Str("module", "notification").Str("target", target).Msg("persist failed")
		return nil, err
	}

	delivered := f.out.To(f.presence.ConnectionOf(target), protocol.TypeNotification, n)
	result := "stored"
	if delivered {
		result = "live"
	}
	metrics.NotificationsTotal.WithLabelValues(string(typ), result).Inc()

	if f.bus != nil {
		if data, err := json.Marshal(n); err == nil {
			if err := f.bus.PublishNotification(target, data); err != nil {
				log.Warn().Err(err).Str("module", "notification").Msg("bus publish failed")
			}
		}
	}
	return n, nil
}

// List returns the newest notifications of userID.
func (f *Fanout) List(ctx context.Context, userID string) ([]Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("userId is required")
	}
	return f.repo.ListForUser(ctx, userID, ListLimit)
}

// MarkRead flags one notification as read.
func (f *Fanout) MarkRead(ctx context.Context, id string) (*Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("notification id is required")
	}
	return f.repo.MarkRead(ctx, id)
}
