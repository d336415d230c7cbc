// Package signaling forwards WebRTC call signaling between connections. It
// keeps no call state and passes payloads through byte for byte.
package signaling

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/apperr"
	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/outbound"
	"github.com/whisper/dm-chat/internal/protocol"
)

// relayed maps each inbound signaling event to the event the target receives.
var relayed = map[string]string{
	protocol.TypeCallUser:     protocol.TypeIncomingCall,
	protocol.TypeAnswerCall:   protocol.TypeCallAnswered,
	protocol.TypeICECandidate: protocol.TypeICECandidate,
	protocol.TypeEndCall:      protocol.TypeCallEnded,
}

// Relay is the call signaling pass-through.
type Relay struct {
	out *outbound.Publisher
}

// NewRelay creates a Relay.
func NewRelay(out *outbound.Publisher) *Relay {
	return &Relay{out: out}
}

// Forward relays msg for event from fromConn to the target connection. Only a
// missing target or a payload that is not JSON is rejected; anything else is
// forwarded unchanged. It reports whether the frame was written; an unknown
// target is a silent drop.
func (r *Relay) Forward(event, fromConn string, msg protocol.SignalMsg) (bool, error) {
	outType, ok := relayed[event]
	if !ok {
		return false, apperr.Validation("unknown signaling event %q", event)
	}
	if strings.TrimSpace(msg.TargetConnectionID) == "" {
		return false, apperr.Validation("targetConnectionId is required")
	}
	if len(msg.Payload) > 0 && !json.Valid(msg.Payload) {
		return false, apperr.Validation("payload is not valid JSON")
	}

	ev := log.Debug().Str("module", "signaling").Str("event", event).Str("target", msg.TargetConnectionID)
	if d, ok := describe(msg.Payload); ok {
		ev = ev.Str("sdp_type", d.Type.String()).Int("media_sections", d.MediaSections)
	}

	sent := r.out.To(msg.TargetConnectionID, outType, protocol.SignalRelayMsg{
		FromConnectionID: fromConn,
		Payload:          msg.Payload,
	})
	if !sent {
		metrics.SignalsTotal.WithLabelValues(event, "dropped").Inc()
		ev.Msg("target gone, dropped")
		return false, nil
	}
	metrics.SignalsTotal.WithLabelValues(event, "relayed").Inc()
	ev.Msg("relayed")
	return true, nil
}

// Description summarizes a session description found in a signaling payload.
type Description struct {
	Type          webrtc.SDPType
	MediaSections int
}

// describe looks for a session description at the top of payload or one level
// down under "signalData" or "signal", the shapes browser peers commonly send.
// It is informational only and never decides delivery.
func describe(payload json.RawMessage) (Description, bool) {
	return describeDepth(payload, 1)
}

func describeDepth(payload json.RawMessage, depth int) (Description, bool) {
	if len(payload) == 0 || payload[0] != '{' {
		return Description{}, false
	}
	var shape struct {
		Type       string          `json:"type"`
		SDP        string          `json:"sdp"`
		SignalData json.RawMessage `json:"signalData"`
		Signal     json.RawMessage `json:"signal"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return Description{}, false
	}
	if shape.SDP != "" {
		sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(shape.Type), SDP: shape.SDP}
		d := Description{Type: sd.Type}
		if parsed, err := sd.Unmarshal(); err == nil {
			d.MediaSections = len(parsed.MediaDescriptions)
		}
		return d, true
	}
	if depth == 0 {
		return Description{}, false
	}
	if d, ok := describeDepth(shape.SignalData, depth-1); ok {
		return d, true
	}
	return describeDepth(shape.Signal, depth-1)
}
