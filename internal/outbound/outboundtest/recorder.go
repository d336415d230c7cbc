// Package outboundtest provides an in-memory Transport that records every
// frame, for tests of components that deliver events.
package outboundtest

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Frame is one recorded delivery.
type Frame struct {
	ConnID string // receiving connection
	Type   string
	Raw    []byte
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// Recorder is a Transport backed by a fixed set of "open" connections.
type Recorder struct {
	mu           sync.Mutex
	open         map[string]bool
	order        []string
	frames       []Frame
	disconnected []string
	// OnDisconnect, when set, runs after a connection is closed by Disconnect.
	OnDisconnect func(connID string)
}

// NewRecorder creates a Recorder with the given connections open.
func NewRecorder(connIDs ...string) *Recorder {
	r := &Recorder{open: make(map[string]bool)}
	for _, id := range connIDs {
		r.Open(id)
	}
	return r
}

// Open marks connID as connected.
func (r *Recorder) Open(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open[connID] {
		r.open[connID] = true
		r.order = append(r.order, connID)
	}
}

// Close marks connID as gone without running any callback.
func (r *Recorder) Close(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, connID)
}

func (r *Recorder) SendMessage(connID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open[connID] {
		return fmt.Errorf("connection %s not found", connID)
	}
	r.frames = append(r.frames, newFrame(connID, data))
	return nil
}

func (r *Recorder) BroadcastExcept(data []byte, except ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	skip := make(map[string]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}
	for _, id := range r.order {
		if r.open[id] && !skip[id] {
			r.frames = append(r.frames, newFrame(id, data))
		}
	}
}

func (r *Recorder) Disconnect(connID string) {
	r.mu.Lock()
	wasOpen := r.open[connID]
	delete(r.open, connID)
	r.disconnected = append(r.disconnected, connID)
	cb := r.OnDisconnect
	r.mu.Unlock()

	if wasOpen && cb != nil {
		cb(connID)
	}
}

func newFrame(connID string, data []byte) Frame {
	var env struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &env)
	raw := make([]byte, len(data))
	copy(raw, data)
	return Frame{ConnID: connID, Type: env.Type, Raw: raw}
}

// Frames returns every recorded frame.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// For returns the frames delivered to connID, optionally filtered by type.
func (r *Recorder) For(connID string, types ...string) []Frame {
	var out []Frame
	for _, f := range r.Frames() {
		if f.ConnID != connID {
			continue
		}
		if len(types) > 0 && !contains(types, f.Type) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// OfType returns every frame with the given type.
func (r *Recorder) OfType(msgType string) []Frame {
	var out []Frame
	for _, f := range r.Frames() {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

// Last returns the most recent frame of msgType delivered to connID.
func (r *Recorder) Last(connID, msgType string) (Frame, bool) {
	frames := r.For(connID, msgType)
	if len(frames) == 0 {
		return Frame{}, false
	}
	return frames[len(frames)-1], true
}

// Disconnected returns the connections closed through Disconnect.
func (r *Recorder) Disconnected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnected...)
}

// Reset drops every recorded frame.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
