package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/dm-chat/internal/moderation"
)

func event(t *testing.T, action moderation.Action, target string) []byte {
	t.Helper()
	b, err := json.Marshal(moderation.Event{Action: action, ActorID: "test_admin", TargetID: target, Timestamp: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandleModeration_Rejects(t *testing.T) {
	trail := NewTrail(nil)
	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{")},
		{"no action", []byte(`{"targetId":"u1"}`)},
		{"no target", []byte(`{"action":"ban"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := trail.HandleModeration(context.Background(), tt.data); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestHandleModeration_LogOnly(t *testing.T) {
	trail := NewTrail(nil)
	if err := trail.HandleModeration(context.Background(), event(t, moderation.ActionWarn, "u1")); err != nil {
		t.Fatalf("HandleModeration() error: %v", err)
	}
	if got, err := trail.Recent(context.Background(), "", 10); err != nil || got != nil {
		t.Errorf("Recent() without redis = %v, %v", got, err)
	}
	if err := trail.HandleNotification([]byte(`{"userId":"u1","type":"ban","fromUser":{"_id":"a1"}}`)); err != nil {
		t.Errorf("HandleNotification() error: %v", err)
	}
}

func TestTrail_Redis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() { client.Del(ctx, RecentKey, TargetPrefix+"test_u1", TargetPrefix+"test_u2") }
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})

	trail := NewTrail(client)
	trail.keep = 2
	for _, e := range [][]byte{
		event(t, moderation.ActionWarn, "test_u1"),
		event(t, moderation.ActionMute, "test_u2"),
		event(t, moderation.ActionBan, "test_u1"),
	} {
		if err := trail.HandleModeration(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := trail.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Action != moderation.ActionBan {
		t.Errorf("recent = %+v", recent)
	}

	forU1, _ := trail.Recent(ctx, "test_u1", 10)
	if len(forU1) != 2 || forU1[1].Action != moderation.ActionWarn {
		t.Errorf("per-target = %+v", forU1)
	}
}
