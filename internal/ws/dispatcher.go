package ws

import (
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/protocol"
)

// MessageHandler receives a parsed client payload (the concrete struct from
// protocol.ParseClientMessage).
type MessageHandler func(conn *Connection, msgType string, msg any)

// MessageDispatcher routes frames to handlers by message type. It answers
// ping itself.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates an empty dispatcher. The server may be set
// later with SetServer.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer binds the dispatcher to the server it replies through.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "ws").Str("conn", conn.ID).Msg("unparseable frame")
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Event:   msgType,
			Code:    "validation",
			Message: "invalid message format",
		})
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Event:   msgType,
			Code:    "validation",
			Message: "unsupported message type",
		})
		return
	}
	handler(conn, msgType, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Str("event", msgType).Msg("encode failed")
		return
	}
	if d.server != nil {
		err = d.server.SendMessage(conn.ID, data)
	} else {
		err = conn.WriteMessage(data)
	}
	if err != nil {
		log.Debug().Err(err).Str("module", "ws").Str("conn", conn.ID).Msg("reply not sent")
	}
}
