package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message event
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","fromId":"u1","toId":"u2","text":"Hello!","timestamp":1700000000000}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.FromID != "u1" || sm.ToID != "u2" || sm.Text != "Hello!" {
		t.Errorf("unexpected payload: %+v", sm)
	}
	if sm.Timestamp != 1700000000000 {
		t.Errorf("expected timestamp 1700000000000, got %d", sm.Timestamp)
	}
}

// ---------------------------------------------------------------------------
// Test: Moderation events share one payload shape
// ---------------------------------------------------------------------------

func TestParseClientMessage_Moderation(t *testing.T) {
	input := []byte(`{"type":"make_admin","actorId":"owner-1","targetUserId":"u2","role":"admin"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeChangeRole {
		t.Fatalf("expected type %q, got %q", TypeChangeRole, msgType)
	}
	m, ok := msg.(ModerationMsg)
	if !ok {
		t.Fatalf("expected ModerationMsg, got %T", msg)
	}
	if m.ActorID != "owner-1" || m.TargetUserID != "u2" || m.Role != "admin" {
		t.Errorf("unexpected payload: %+v", m)
	}
}

func TestParseClientMessage_TypingDefault(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"typing","fromId":"a","toId":"b"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tm := msg.(TypingMsg); tm.IsTyping != nil {
		t.Errorf("expected nil IsTyping when omitted, got %v", *tm.IsTyping)
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeTyped, TypedMsg{From: "u1", Typing: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeTyped {
		t.Errorf("expected type %q, got %v", TypeTyped, result["type"])
	}
	if result["from"] != "u1" || result["typing"] != true {
		t.Errorf("unexpected payload: %v", result)
	}
}

func TestNewServerMessage_ArrayPayload(t *testing.T) {
	data, err := NewServerMessage(TypeChatHistory, []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result struct {
		Type string   `json:"type"`
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if result.Type != TypeChatHistory || len(result.Data) != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestNewServerMessage_PreservesRawPayload(t *testing.T) {
	raw := json.RawMessage(`{"sdp":"v=0","type":"offer","big":12345678901234567890}`)
	data, err := NewServerMessage(TypeIncomingCall, SignalRelayMsg{FromConnectionID: "c1", Payload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if string(result.Payload) != string(raw) {
		t.Errorf("payload altered:\n got  %s\n want %s", result.Payload, raw)
	}
}

// ---------------------------------------------------------------------------
// Test: Error cases
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"online_users"}`))
	if err == nil {
		t.Fatal("expected an error for a server-only type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
	if msgType != "online_users" {
		t.Errorf("expected returned type %q, got %q", "online_users", msgType)
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"send_message","text":42}`))
	if err == nil {
		t.Fatal("expected decode error for mistyped field")
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"data":"no type field"}`), &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{invalid json}`), &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client event types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		input    string
		wantType string
	}{
		{`{"type":"join","userId":"u1","image":"a.png"}`, TypeJoin},
		{`{"type":"leave"}`, TypeLeave},
		{`{"type":"get_history","fromId":"a","toId":"b"}`, TypeGetHistory},
		{`{"type":"delete_message","messageId":"m1"}`, TypeDeleteMessage},
		{`{"type":"send_message","fromId":"a","toId":"b","text":"hi"}`, TypeSendMessage},
		{`{"type":"typing","fromId":"a","toId":"b","isTyping":false}`, TypeTyping},
		{`{"type":"warn_user","targetUserId":"u1"}`, TypeWarnUser},
		{`{"type":"ban_user","targetUserId":"u1","reason":"spam"}`, TypeBanUser},
		{`{"type":"unban_user","targetUserId":"u1"}`, TypeUnbanUser},
		{`{"type":"mute_admin","actorId":"a","targetUserId":"u1"}`, TypeMuteUser},
		{`{"type":"unmute_admin","actorId":"a","targetUserId":"u1"}`, TypeUnmuteUser},
		{`{"type":"make_admin","actorId":"a","targetUserId":"u1","role":"moderator"}`, TypeChangeRole},
		{`{"type":"kick_user","actorId":"a","targetUserId":"u1"}`, TypeKickUser},
		{`{"type":"delete_user","targetUserId":"u1"}`, TypeDeleteUser},
		{`{"type":"call_user","targetConnectionId":"c2","payload":{"type":"offer","sdp":""}}`, TypeCallUser},
		{`{"type":"answer_call","targetConnectionId":"c2","payload":{}}`, TypeAnswerCall},
		{`{"type":"ice_candidate","targetConnectionId":"c2","payload":{"candidate":""}}`, TypeICECandidate},
		{`{"type":"end_call","targetConnectionId":"c2"}`, TypeEndCall},
		{`{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.wantType, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
