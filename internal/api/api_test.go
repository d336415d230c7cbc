package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/whisper/dm-chat/internal/gateway"
	"github.com/whisper/dm-chat/internal/message"
	"github.com/whisper/dm-chat/internal/moderation"
	"github.com/whisper/dm-chat/internal/notification"
	"github.com/whisper/dm-chat/internal/outbound"
	"github.com/whisper/dm-chat/internal/outbound/outboundtest"
	"github.com/whisper/dm-chat/internal/presence"
	"github.com/whisper/dm-chat/internal/signaling"
	"github.com/whisper/dm-chat/internal/user"
	"github.com/whisper/dm-chat/internal/ws"
)

type fixedHealth struct{}

func (fixedHealth) Health() ws.Health { return ws.Health{Status: "ok", Connections: 2} }

type testServer struct {
	router *gin.Engine
	users  *user.MemoryStore
	msgs   *message.MemoryStore
	fan    *notification.Fanout
	rec    *outboundtest.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	users := user.NewMemoryStore()
	registry := presence.NewRegistry()
	rec := outboundtest.NewRecorder("c-watch")
	out := outbound.New(rec)
	fan := notification.NewFanout(notification.NewMemoryStore(), registry, out)
	msgs := message.NewMemoryStore()
	relay := message.NewRelay(msgs, registry, out, fan)
	engine := moderation.NewEngine(users, registry, out, fan)

	loop := gateway.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)

	gw := gateway.New(loop, users, registry, out, relay, engine, signaling.NewRelay(out))
	ctx0 := context.Background()
	for _, u := range []user.User{
		{ID: "owner", Username: "owner", Role: user.RoleOwner},
		{ID: "adm", Username: "adm", Role: user.RoleAdmin},
		{ID: "u1", Username: "u1", Role: user.RoleUser},
		{ID: "u2", Username: "u2", Role: user.RoleUser},
	} {
		u := u
		if err := users.Create(ctx0, &u); err != nil {
			t.Fatal(err)
		}
	}
	registry.Bootstrap(ctx0, users)

	return &testServer{
		router: NewRouter(gw, fan, fixedHealth{}, Options{Mode: gin.TestMode}),
		users:  users,
		msgs:   msgs,
		fan:    fan,
		rec:    rec,
	}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var h ws.Health
	_ = json.Unmarshal(w.Body.Bytes(), &h)
	if h.Connections != 2 {
		t.Errorf("health = %+v", h)
	}
}

func TestMetricsExposed(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "dmchat_online_users") {
		t.Error("dmchat_online_users missing from /metrics")
	}
}

func TestModerationStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
		code   string
	}{
		{"ban ok", http.MethodPost, "/api/users/u1/ban", ModerationRequest{ActorID: "adm", Reason: "spam"}, http.StatusOK, ""},
		{"ban again conflicts", http.MethodPost, "/api/users/u1/ban", ModerationRequest{ActorID: "adm"}, http.StatusConflict, "conflict"},
		{"user cannot ban", http.MethodPost, "/api/users/adm/ban", ModerationRequest{ActorID: "u2"}, http.StatusForbidden, "forbidden"},
		{"unknown target", http.MethodPost, "/api/users/ghost/warn", ModerationRequest{ActorID: "adm"}, http.StatusNotFound, "not_found"},
		{"bad role", http.MethodPost, "/api/users/u2/role", ModerationRequest{ActorID: "owner", Role: "emperor"}, http.StatusBadRequest, "validation"},
		{"system warn with empty body", http.MethodPost, "/api/users/u2/warn", nil, http.StatusOK, ""},
		{"delete user", http.MethodDelete, "/api/users/u2", ModerationRequest{ActorID: "owner"}, http.StatusOK, ""},
	}
	s := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.code == "" {
				return
			}
			var e ErrorResponse
			_ = json.Unmarshal(w.Body.Bytes(), &e)
			if e.Code != tt.code || e.Message == "" {
				t.Errorf("error body = %+v", e)
			}
		})
	}

	if u, _ := s.users.Get(context.Background(), "u1"); !u.IsBanned {
		t.Error("ban not persisted")
	}
	if _, err := s.users.Get(context.Background(), "u2"); err == nil {
		t.Error("deleted user still in the directory")
	}
}

func TestMessagesRoutes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	m := &message.Message{ID: "m1", From: "u1", To: "u2", Text: "hello"}
	if err := s.msgs.Create(ctx, m); err != nil {
		t.Fatal(err)
	}

	w := s.do(http.MethodGet, "/api/messages/u2/u1", nil)
	var list []message.Message
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if w.Code != http.StatusOK || len(list) != 1 || list[0].ID != "m1" {
		t.Fatalf("history = %d %s", w.Code, w.Body.String())
	}

	tests := []struct {
		path    string
		deleted bool
	}{
		{"/api/messages/m1", true},
		{"/api/messages/m1", false},
		{"/api/messages/does-not-exist", false},
	}
	for _, tt := range tests {
		w := s.do(http.MethodDelete, tt.path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("DELETE %s status = %d, want 200", tt.path, w.Code)
			continue
		}
		var body struct {
			Deleted   bool   `json:"deleted"`
			MessageID string `json:"messageId"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if body.Deleted != tt.deleted || body.MessageID == "" {
			t.Errorf("DELETE %s body = %s", tt.path, w.Body.String())
		}
	}
	if got := len(s.rec.OfType("message_deleted")); got != 1 {
		t.Errorf("message_deleted broadcasts = %d, want 1", got)
	}
}

func TestUserDeleteKeepsHistory(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if err := s.msgs.Create(ctx, &message.Message{ID: "m1", From: "u1", To: "u2", Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.fan.Create(ctx, "u1", notification.TypeWarning, "warned", nil); err != nil {
		t.Fatal(err)
	}

	if w := s.do(http.MethodDelete, "/api/users/u1", ModerationRequest{ActorID: "owner"}); w.Code != http.StatusOK {
		t.Fatalf("delete user status = %d (%s)", w.Code, w.Body.String())
	}

	w := s.do(http.MethodGet, "/api/messages/u2/u1", nil)
	var list []message.Message
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Errorf("history after delete = %s", w.Body.String())
	}
	w = s.do(http.MethodGet, "/api/notifications/u1", nil)
	var notes []notification.Notification
	_ = json.Unmarshal(w.Body.Bytes(), &notes)
	if len(notes) != 1 {
		t.Errorf("notifications after delete = %s", w.Body.String())
	}
}

func TestNotificationRoutes(t *testing.T) {
	s := newTestServer(t)
	n, err := s.fan.Create(context.Background(), "u1", notification.TypeWarning, "careful", nil)
	if err != nil {
		t.Fatal(err)
	}

	w := s.do(http.MethodGet, "/api/notifications/u1", nil)
	var list []notification.Notification
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 || list[0].Read {
		t.Fatalf("list = %s", w.Body.String())
	}

	w = s.do(http.MethodPut, "/api/notifications/read/"+n.ID, nil)
	var got notification.Notification
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if w.Code != http.StatusOK || !got.Read {
		t.Errorf("mark read = %d %s", w.Code, w.Body.String())
	}
	if w := s.do(http.MethodPut, "/api/notifications/read/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing notification status = %d", w.Code)
	}
}

func TestOnline(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/api/users/online", nil)
	var entries []presence.Entry
	_ = json.Unmarshal(w.Body.Bytes(), &entries)
	if w.Code != http.StatusOK || len(entries) != 4 {
		t.Fatalf("online = %d %s", w.Code, w.Body.String())
	}
	for _, e := range entries {
		if e.Online() {
			t.Errorf("%s should be offline", e.UserID)
		}
	}
}
