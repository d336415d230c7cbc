// Package client is a WebSocket load test client for the dm-chat server. It
// dials with gobwas/ws, records the connection id from session_created and
// dispatches frames to per-type handlers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/dm-chat/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated user connection.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	connID    string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	connected chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts the read loop.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		handlers:  make(map[string]func(json.RawMessage)),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return err
}

// Join binds the connection to userID.
func (c *Client) Join(userID string) error {
	return c.Send(map[string]string{"type": protocol.TypeJoin, "userId": userID})
}

// SendText sends a direct message.
func (c *Client) SendText(from, to, text string) error {
	return c.Send(map[string]any{
		"type":      protocol.TypeSendMessage,
		"fromId":    from,
		"toId":      to,
		"text":      text,
		"timestamp": time.Now().UnixMilli(),
	})
}

// On registers handler for a server message type, replacing any earlier one.
// Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForSession blocks until session_created arrives.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionID returns the id assigned by the server, or "".
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var env struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connectionId"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if env.Type == protocol.TypeSessionCreated && c.connID == "" && env.ConnectionID != "" {
			c.connID = env.ConnectionID
			close(c.connected)
		}
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
