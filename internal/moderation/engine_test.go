package moderation

import (
	"context"
	"errors"
	"testing"

	"github.com/whisper/dm-chat/internal/apperr"
	"github.com/whisper/dm-chat/internal/notification"
	"github.com/whisper/dm-chat/internal/outbound"
	"github.com/whisper/dm-chat/internal/outbound/outboundtest"
	"github.com/whisper/dm-chat/internal/presence"
	"github.com/whisper/dm-chat/internal/protocol"
	"github.com/whisper/dm-chat/internal/user"
)

type harness struct {
	engine *Engine
	users  *user.MemoryStore
	reg    *presence.Registry
	rec    *outboundtest.Recorder
	notes  *notification.MemoryStore
	audit  *auditLog
}

type auditLog struct{ events [][]byte }

func (a *auditLog) PublishModerationAction(data []byte) error {
	a.events = append(a.events, data)
	return nil
}

func newHarness(t *testing.T, dir user.Directory) *harness {
	t.Helper()
	mem := user.NewMemoryStore()
	if dir == nil {
		dir = mem
	}
	h := &harness{
		users: mem,
		reg:   presence.NewRegistry(),
		rec:   outboundtest.NewRecorder(),
		notes: notification.NewMemoryStore(),
		audit: &auditLog{},
	}
	out := outbound.New(h.rec)
	h.engine = NewEngine(dir, h.reg, out, notification.NewFanout(h.notes, h.reg, out))
	h.engine.SetAuditor(h.audit)
	return h
}

// add creates a user and, when connID is non-empty, brings it online.
func (h *harness) add(t *testing.T, id string, role user.Role, connID string) *user.User {
	t.Helper()
	u := &user.User{ID: id, Username: id, Role: role}
	if err := h.users.Create(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	if connID != "" {
		h.rec.Open(connID)
		h.reg.Join(id, connID, presence.FieldsOf(u))
	}
	return u
}

func (h *harness) exec(action Action, actor, target, conn string) (user.Projection, error) {
	return h.engine.Execute(context.Background(), action, Request{ActorID: actor, TargetID: target, ConnID: conn})
}

func (h *harness) stored(t *testing.T, id string) *user.User {
	t.Helper()
	u, err := h.users.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func lastResult(t *testing.T, rec *outboundtest.Recorder, conn string) protocol.ModerationResultMsg {
	t.Helper()
	f, ok := rec.Last(conn, protocol.TypeModerationResult)
	if !ok {
		t.Fatalf("no moderation_result on %s", conn)
	}
	var res protocol.ModerationResultMsg
	if err := f.Decode(&res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestWarn_ThirdWarningBans(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "admin", user.RoleAdmin, "c-admin")
	h.add(t, "u1", user.RoleUser, "c-u1")

	for i := 1; i <= 3; i++ {
		if _, err := h.exec(ActionWarn, "admin", "u1", "c-admin"); err != nil {
			t.Fatalf("warn #%d: %v", i, err)
		}
	}

	u := h.stored(t, "u1")
	if !u.IsBanned || u.IsWarn != 3 {
		t.Fatalf("after 3 warnings: banned=%v warn=%d", u.IsBanned, u.IsWarn)
	}
	e, _ := h.reg.FindByUserID("u1")
	if !e.IsBanned || e.IsWarn != 3 {
		t.Errorf("registry not mirrored: %+v", e)
	}

	notes := h.rec.For("c-u1", protocol.TypeNotification)
	if len(notes) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(notes))
	}
	var last notification.Notification
	if err := notes[2].Decode(&last); err != nil {
		t.Fatal(err)
	}
	if last.Type != notification.TypeBan {
		t.Errorf("third notification type = %s, want ban", last.Type)
	}
	var first notification.Notification
	_ = notes[0].Decode(&first)
	if first.Type != notification.TypeWarning {
		t.Errorf("first notification type = %s, want warning", first.Type)
	}
}

func TestWarn_BannedTargetIsConflictAndUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "admin", user.RoleAdmin, "c-admin")
	u := h.add(t, "u1", user.RoleUser, "")
	u.IsBanned = true
	u.IsWarn = 3
	if err := h.users.Save(context.Background(), u); err != nil {
		t.Fatal(err)
	}

	_, err := h.exec(ActionWarn, "admin", "u1", "c-admin")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := h.stored(t, "u1"); got.IsWarn != 3 {
		t.Errorf("isWarn changed to %d", got.IsWarn)
	}
	res := lastResult(t, h.rec, "c-admin")
	if res.Success || res.Code != "conflict" {
		t.Errorf("unexpected ack: %+v", res)
	}
	if len(h.rec.OfType(protocol.TypeOnlineUsers)) != 0 {
		t.Error("failure must not broadcast presence")
	}
}

func TestWarn_SystemAndOwnerProtection(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "owner", user.RoleOwner, "")
	h.add(t, "u1", user.RoleUser, "")

	if _, err := h.exec(ActionWarn, "", "u1", ""); err != nil {
		t.Fatalf("system warn: %v", err)
	}
	if got := h.stored(t, "u1"); got.IsWarn != 1 {
		t.Errorf("isWarn = %d, want 1", got.IsWarn)
	}
	if _, err := h.exec(ActionWarn, "u1", "owner", ""); !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("warning the owner: got %v", err)
	}
}

func TestRequireActor(t *testing.T) {
	for _, action := range []Action{ActionWarn, ActionDelete} {
		t.Run(string(action), func(t *testing.T) {
			h := newHarness(t, nil)
			h.add(t, "u1", user.RoleUser, "c-u1")
			h.rec.Open("c-anon")

			_, err := h.engine.Execute(context.Background(), action, Request{TargetID: "u1", ConnID: "c-anon", RequireActor: true})
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("got %v, want validation error", err)
			}
			if res := lastResult(t, h.rec, "c-anon"); res.Success || res.Code != "validation" {
				t.Errorf("ack = %+v", res)
			}
			if got := h.stored(t, "u1"); got.IsWarn != 0 {
				t.Errorf("isWarn = %d, want 0", got.IsWarn)
			}
			if len(h.audit.events) != 0 {
				t.Error("rejected action was audited")
			}
		})
	}
}

func TestAuthorizationMatrix(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		actor  user.Role
		target user.Role
		want   apperr.Kind // KindUnknown means success
	}{
		{"user cannot ban", ActionBan, user.RoleUser, user.RoleUser, apperr.KindAuthorization},
		{"moderator cannot ban", ActionBan, user.RoleModerator, user.RoleUser, apperr.KindAuthorization},
		{"admin bans user", ActionBan, user.RoleAdmin, user.RoleUser, apperr.KindUnknown},
		{"admin cannot ban admin", ActionBan, user.RoleAdmin, user.RoleAdmin, apperr.KindAuthorization},
		{"owner bans admin", ActionBan, user.RoleOwner, user.RoleAdmin, apperr.KindUnknown},
		{"moderator mutes user", ActionMute, user.RoleModerator, user.RoleUser, apperr.KindUnknown},
		{"moderator cannot mute admin", ActionMute, user.RoleModerator, user.RoleAdmin, apperr.KindAuthorization},
		{"moderator cannot mute moderator", ActionMute, user.RoleModerator, user.RoleModerator, apperr.KindAuthorization},
		{"admin cannot mute admin", ActionMute, user.RoleAdmin, user.RoleAdmin, apperr.KindAuthorization},
		{"user cannot mute", ActionMute, user.RoleUser, user.RoleUser, apperr.KindAuthorization},
		{"admin cannot kick", ActionKick, user.RoleAdmin, user.RoleUser, apperr.KindAuthorization},
		{"owner kicks admin", ActionKick, user.RoleOwner, user.RoleAdmin, apperr.KindUnknown},
		{"user can warn", ActionWarn, user.RoleUser, user.RoleModerator, apperr.KindUnknown},
		{"anyone deletes", ActionDelete, user.RoleUser, user.RoleAdmin, apperr.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.add(t, "actor", tt.actor, "c-actor")
			h.add(t, "target", tt.target, "c-target")

			_, err := h.exec(tt.action, "actor", "target", "c-actor")
			if tt.want == apperr.KindUnknown {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !apperr.Is(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
			if res := lastResult(t, h.rec, "c-actor"); res.Success {
				t.Error("ack should report failure")
			}
			if len(h.rec.For("c-target")) != 0 {
				t.Error("target must not hear about a rejected action")
			}
		})
	}
}

func TestSelfTargetRejected(t *testing.T) {
	for _, action := range []Action{ActionBan, ActionMute, ActionUnmute, ActionKick} {
		h := newHarness(t, nil)
		h.add(t, "owner", user.RoleOwner, "c-owner")
		if _, err := h.exec(action, "owner", "owner", "c-owner"); !apperr.Is(err, apperr.KindAuthorization) {
			t.Errorf("%s self: got %v", action, err)
		}
	}
}

func TestBanAndUnban(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "admin", user.RoleAdmin, "c-admin")
	u := h.add(t, "u1", user.RoleUser, "c-u1")
	h.add(t, "bystander", user.RoleUser, "c-by")
	u.IsWarn = 2
	_ = h.users.Save(context.Background(), u)

	proj, err := h.engine.Execute(context.Background(), ActionBan, Request{ActorID: "admin", TargetID: "u1", ConnID: "c-admin", Reason: "spam"})
	if err != nil {
		t.Fatal(err)
	}
	if !proj.IsBanned || proj.IsWarn != 0 {
		t.Errorf("projection after ban: %+v", proj)
	}

	f, ok := h.rec.Last("c-u1", protocol.TypeModerationNotice)
	if !ok {
		t.Fatal("target got no notice")
	}
	var notice protocol.ModerationNoticeMsg
	_ = f.Decode(&notice)
	if notice.Message != "You were banned by admin: spam" || notice.By != "admin" {
		t.Errorf("notice = %+v", notice)
	}
	if _, ok := h.rec.Last("c-by", protocol.TypeModerationBroadcast); !ok {
		t.Error("bystander got no broadcast")
	}
	if got := h.rec.For("c-admin", protocol.TypeModerationBroadcast); len(got) != 0 {
		t.Error("issuer must not receive the broadcast")
	}
	if got := h.rec.For("c-u1", protocol.TypeModerationBroadcast); len(got) != 0 {
		t.Error("target must not receive the broadcast")
	}

	if _, err := h.exec(ActionBan, "admin", "u1", "c-admin"); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("double ban: %v", err)
	}

	if _, err := h.exec(ActionUnban, "admin", "u1", "c-admin"); err != nil {
		t.Fatal(err)
	}
	if got := h.stored(t, "u1"); got.IsBanned || got.IsWarn != 0 {
		t.Errorf("after unban: %+v", got)
	}
	if _, err := h.exec(ActionUnban, "admin", "u1", "c-admin"); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("unban of unbanned user: %v", err)
	}
	if len(h.audit.events) != 2 {
		t.Errorf("audit events = %d, want 2", len(h.audit.events))
	}
}

func TestDeliveryOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "mod", user.RoleModerator, "c-mod")
	h.add(t, "u1", user.RoleUser, "c-u1")
	h.add(t, "u2", user.RoleUser, "c-u2")

	if _, err := h.exec(ActionMute, "mod", "u1", "c-mod"); err != nil {
		t.Fatal(err)
	}

	var types []string
	for _, f := range h.rec.Frames() {
		types = append(types, f.ConnID+":"+f.Type)
	}
	want := []string{
		"c-mod:online_users", "c-u1:online_users", "c-u2:online_users",
		"c-mod:moderation_result",
		"c-u1:moderation_notice",
		"c-u2:moderation_broadcast",
	}
	if len(types) != len(want) {
		t.Fatalf("frames = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame %d = %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}
}

func TestMuteToggle(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "admin", user.RoleAdmin, "c-admin")
	h.add(t, "u1", user.RoleUser, "")

	for round := 0; round < 2; round++ {
		if _, err := h.exec(ActionMute, "admin", "u1", "c-admin"); err != nil {
			t.Fatal(err)
		}
		if !h.stored(t, "u1").IsMuted {
			t.Fatalf("round %d: expected muted", round)
		}
		if _, err := h.exec(ActionMute, "admin", "u1", "c-admin"); err != nil {
			t.Fatal(err)
		}
		if h.stored(t, "u1").IsMuted {
			t.Fatalf("round %d: mute twice should restore", round)
		}
	}

	if _, err := h.exec(ActionUnmute, "admin", "u1", "c-admin"); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("unmute of unmuted user: %v", err)
	}
}

func TestRoleChange(t *testing.T) {
	ctx := context.Background()

	t.Run("claim ownership when vacant", func(t *testing.T) {
		h := newHarness(t, nil)
		h.add(t, "u1", user.RoleUser, "c-u1")
		if _, err := h.engine.Execute(ctx, ActionRole, Request{ActorID: "u1", TargetID: "u1", Role: user.RoleOwner, ConnID: "c-u1"}); err != nil {
			t.Fatal(err)
		}
		if e, _ := h.reg.FindByUserID("u1"); e.Role != user.RoleOwner {
			t.Errorf("registry role = %s", e.Role)
		}
	})

	t.Run("second owner rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		h.add(t, "owner", user.RoleOwner, "")
		h.add(t, "u1", user.RoleUser, "")
		_, err := h.engine.Execute(ctx, ActionRole, Request{ActorID: "owner", TargetID: "u1", Role: user.RoleOwner})
		if !apperr.Is(err, apperr.KindConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		owners := 0
		all, _ := h.users.List(ctx)
		for _, u := range all {
			if u.Role == user.RoleOwner {
				owners++
			}
		}
		if owners != 1 {
			t.Errorf("owners = %d", owners)
		}
	})

	t.Run("owner promotes", func(t *testing.T) {
		h := newHarness(t, nil)
		h.add(t, "owner", user.RoleOwner, "")
		h.add(t, "u1", user.RoleUser, "")
		proj, err := h.engine.Execute(ctx, ActionRole, Request{ActorID: "owner", TargetID: "u1", Role: user.RoleAdmin})
		if err != nil || proj.Role != user.RoleAdmin {
			t.Fatalf("promote = %+v, %v", proj, err)
		}
		if _, err := h.engine.Execute(ctx, ActionRole, Request{ActorID: "owner", TargetID: "u1", Role: user.RoleAdmin}); !apperr.Is(err, apperr.KindConflict) {
			t.Errorf("same role: %v", err)
		}
		if _, err := h.engine.Execute(ctx, ActionRole, Request{ActorID: "owner", TargetID: "owner", Role: user.RoleUser}); !apperr.Is(err, apperr.KindAuthorization) {
			t.Errorf("demoting the owner: %v", err)
		}
	})

	t.Run("non-owner cannot promote", func(t *testing.T) {
		h := newHarness(t, nil)
		h.add(t, "admin", user.RoleAdmin, "")
		h.add(t, "u1", user.RoleUser, "")
		if _, err := h.engine.Execute(ctx, ActionRole, Request{ActorID: "admin", TargetID: "u1", Role: user.RoleModerator}); !apperr.Is(err, apperr.KindAuthorization) {
			t.Errorf("got %v", err)
		}
		if _, err := h.engine.Execute(ctx, ActionRole, Request{ActorID: "admin", TargetID: "u1", Role: "root"}); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("unknown role: %v", err)
		}
	})
}

func TestKick(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "owner", user.RoleOwner, "c-owner")
	h.add(t, "u1", user.RoleUser, "c-u1")

	if _, err := h.exec(ActionKick, "owner", "u1", "c-owner"); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.reg.FindByUserID("u1"); ok {
		t.Error("kicked user still in registry")
	}
	if _, ok := h.rec.Last("c-u1", protocol.TypeKicked); !ok {
		t.Error("kicked connection got no kicked frame")
	}
	if d := h.rec.Disconnected(); len(d) != 1 || d[0] != "c-u1" {
		t.Errorf("disconnected = %v", d)
	}
	if _, err := h.users.Get(context.Background(), "u1"); err != nil {
		t.Error("kick must not delete the directory record")
	}
}

func TestDeleteUser(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "admin", user.RoleAdmin, "c-admin")
	h.add(t, "u1", user.RoleUser, "c-u1")

	if _, err := h.exec(ActionDelete, "", "u1", "c-admin"); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.reg.FindByUserID("u1"); ok {
		t.Error("deleted user still in registry")
	}
	f, ok := h.rec.Last("c-admin", protocol.TypeUserDeleted)
	if !ok {
		t.Fatal("no user_deleted broadcast")
	}
	var msg protocol.UserDeletedMsg
	if err := f.Decode(&msg); err != nil || msg.UserID != "u1" {
		t.Errorf("user_deleted = %+v, %v", msg, err)
	}
	if _, err := h.exec(ActionDelete, "", "u1", "c-admin"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

type brokenSave struct{ *user.MemoryStore }

func (brokenSave) Save(context.Context, *user.User) error {
	return apperr.Persistence("save user", errors.New("connection reset"))
}

func TestPersistenceFailureLeavesRegistry(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.users = brokenSave{h.users}
	h.add(t, "admin", user.RoleAdmin, "c-admin")
	h.add(t, "u1", user.RoleUser, "c-u1")

	_, err := h.exec(ActionBan, "admin", "u1", "c-admin")
	if !apperr.Is(err, apperr.KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if e, _ := h.reg.FindByUserID("u1"); e.IsBanned {
		t.Error("registry mutated despite failed persist")
	}
	res := lastResult(t, h.rec, "c-admin")
	if res.Message != "internal server error" || res.Code != "server_error" {
		t.Errorf("ack = %+v", res)
	}
	if len(h.rec.For("c-u1")) != 0 {
		t.Error("target must not be notified")
	}
}

func TestUnknownTarget(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "admin", user.RoleAdmin, "c-admin")
	if _, err := h.exec(ActionBan, "admin", "ghost", "c-admin"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("got %v", err)
	}
	if _, err := h.exec(ActionBan, "", "ghost", "c-admin"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("got %v", err)
	}
}
