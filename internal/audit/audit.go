// Package audit consumes moderation and notification events published on
// NATS and keeps a bounded, per-target trail of moderation actions in Redis.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/moderation"
	"github.com/whisper/dm-chat/internal/notification"
)

// Redis keys.
const (
	RecentKey    = "dmchat:audit:recent"
	TargetPrefix = "dmchat:audit:user:" // + target user id
)

// Defaults for the trail length and per-target retention.
const (
	DefaultKeep      = 1000
	DefaultTargetTTL = 30 * 24 * time.Hour
)

// Trail stores audit records. A nil Redis client makes it log-only.
type Trail struct {
	client    *redis.Client
	keep      int64
	targetTTL time.Duration
}

// NewTrail creates a Trail. client may be nil.
func NewTrail(client *redis.Client) *Trail {
	return &Trail{client: client, keep: DefaultKeep, targetTTL: DefaultTargetTTL}
}

// HandleModeration decodes one moderation event, logs it and appends it to
// the global and per-target lists.
func (t *Trail) HandleModeration(ctx context.Context, data []byte) error {
	var ev moderation.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("audit: decode moderation event: %w", err)
	}
	if ev.Action == "" || ev.TargetID == "" {
		return fmt.Errorf("audit: moderation event missing action or target")
	}

	log.Info().
		Str("module", "audit").
		Str("action", string(ev.Action)).
		Str("actor", ev.ActorID).
		Str("target", ev.TargetID).
		Str("reason", ev.Reason).
		Int("warnings", ev.IsWarn).
		Bool("banned", ev.IsBanned).
		Msg("moderation action")

	if t.client == nil {
		return nil
	}
	targetKey := TargetPrefix + ev.TargetID
	pipe := t.client.TxPipeline()
	pipe.LPush(ctx, RecentKey, data)
	pipe.LTrim(ctx, RecentKey, 0, t.keep-1)
	pipe.LPush(ctx, targetKey, data)
	pipe.LTrim(ctx, targetKey, 0, t.keep-1)
	pipe.Expire(ctx, targetKey, t.targetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("audit: store event: %w", err)
	}
	return nil
}

// HandleNotification logs a published notification.
func (t *Trail) HandleNotification(data []byte) error {
	var n notification.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("audit: decode notification: %w", err)
	}
	ev := log.Debug().
		Str("module", "audit").
		Str("user", n.UserID).
		Str("type", string(n.Type))
	if n.FromUser != nil {
		ev = ev.Str("from", n.FromUser.ID)
	}
	ev.Msg("notification")
	return nil
}

// Recent returns up to limit of the newest moderation events, newest first.
// targetID narrows the result to one user when non-empty.
func (t *Trail) Recent(ctx context.Context, targetID string, limit int64) ([]moderation.Event, error) {
	if t.client == nil {
		return nil, nil
	}
	key := RecentKey
	if targetID != "" {
		key = TargetPrefix + targetID
	}
	raw, err := t.client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", key, err)
	}
	out := make([]moderation.Event, 0, len(raw))
	for _, r := range raw {
		var ev moderation.Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
