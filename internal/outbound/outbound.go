// Package outbound is the delivery side of the chat core: it encodes server
// events and writes them to live connections through a Transport. Delivery is
// best-effort; writes to a vanished connection are dropped.
package outbound

import (
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/protocol"
)

// Transport is implemented by the WebSocket server.
type Transport interface {
	// SendMessage writes one frame to connID. It fails when the connection is
	// unknown or the write fails.
	SendMessage(connID string, data []byte) error
	// BroadcastExcept writes one frame to every live connection not listed in except.
	BroadcastExcept(data []byte, except ...string)
	// Disconnect closes connID and runs the regular disconnect cleanup.
	Disconnect(connID string)
}

// Publisher encodes events and hands them to a Transport.
type Publisher struct {
	t Transport
}

// New wraps t.
func New(t Transport) *Publisher {
	return &Publisher{t: t}
}

// To sends one event to connID and reports whether it was written. An empty
// connID is treated as an offline recipient.
func (p *Publisher) To(connID, msgType string, payload any) bool {
	if connID == "" {
		return false
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "outbound").Str("event", msgType).Msg("encode failed")
		return false
	}
	if err := p.t.SendMessage(connID, data); err != nil {
		log.Debug().Err(err).Str("module", "outbound").Str("event", msgType).Str("conn", connID).Msg("delivery skipped")
		return false
	}
	return true
}

// All broadcasts one event to every live connection.
func (p *Publisher) All(msgType string, payload any) {
	p.AllExcept(msgType, payload)
}

// AllExcept broadcasts one event to every live connection except the listed
// ones. Empty ids in except are ignored.
func (p *Publisher) AllExcept(msgType string, payload any, except ...string) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "outbound").Str("event", msgType).Msg("encode failed")
		return
	}
	skip := except[:0:0]
	for _, id := range except {
		if id != "" {
			skip = append(skip, id)
		}
	}
	p.t.BroadcastExcept(data, skip...)
}

// Disconnect forcibly closes connID.
func (p *Publisher) Disconnect(connID string) {
	if connID != "" {
		p.t.Disconnect(connID)
	}
}
