// Package ws is the WebSocket transport of the chat core. It upgrades HTTP
// requests, watches sockets with epoll, reads frames on a bounded worker pool
// and hands complete text frames to a callback.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/protocol"
)

// SessionRecorder mirrors connection lifetimes into an external store.
type SessionRecorder interface {
	Create(ctx context.Context, connID string) error
	Delete(ctx context.Context, connID string) error
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // per-frame read deadline
	WriteTimeout   time.Duration // per-frame write deadline
	SendQueue      int           // outbound frames buffered per connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueue:      DefaultSendQueue,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server owns every live connection.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     SessionRecorder
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(connID string)
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. sessions may be nil. onMessage runs on a worker
// goroutine, at most once at a time per connection.
func NewServer(config ServerConfig, sessions SessionRecorder, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnDisconnect registers the callback run once for every removed
// connection, whatever the cause.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start creates the epoll instance and starts the read loop and heartbeat. It
// does not serve HTTP; mount HandleUpgrade on a router.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.eventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Info().
		Str("module", "ws").
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("transport started")
	return nil
}

// HandleUpgrade upgrades the request, registers the connection and sends
// session_created with the new connection id. session_created is queued
// before the connection becomes visible, so it is always the first frame.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Debug().Err(err).Str("module", "ws").Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), netConn, s.config.SendQueue)
	hello, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{ConnectionID: c.ID})
	if err == nil {
		err = c.Enqueue(hello)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("session_created not sent")
	}
	c.startWriter(s.config.WriteTimeout, s.RemoveConnection)

	s.conns.Add(c)
	if err := s.epoll.Add(netConn); err != nil {
		log.Error().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("epoll add failed")
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("session record not created")
		}
		cancel()
	}

	log.Debug().Str("module", "ws").Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection opened")
}

// Health is the transport's part of the health check.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

// Health reports connection count and uptime.
func (s *Server) Health() Health {
	return Health{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
}

func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Str("module", "ws").Msg("epoll wait failed")
			continue
		}

		for _, netConn := range ready {
			netConn := netConn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.readFrame(netConn)
			}()
		}
	}
}

// readFrame reads one frame from a ready socket. Control frames are answered
// in place; a read error or close frame removes the connection.
func (s *Server) readFrame(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll can report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c, runs the disconnect callback and
// deletes the session record. Concurrent calls for the same connection clean
// up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("session record not deleted")
		}
		cancel()
	}
	log.Debug().Str("module", "ws").Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage queues one text frame for connID. It never waits on the
// socket; a client whose queue is full is disconnected.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return s.enqueue(c, data)
}

// BroadcastExcept queues one text frame for every connection not in except.
func (s *Server) BroadcastExcept(data []byte, except ...string) {
	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}
	for _, c := range s.conns.All() {
		if _, ok := skip[c.ID]; ok {
			continue
		}
		_ = s.enqueue(c, data)
	}
}

// Disconnect closes connID after the frames already queued for it are
// written, then removes it through the regular removal path. It does not
// wait for either.
func (s *Server) Disconnect(connID string) {
	c := s.conns.Get(connID)
	if c == nil {
		return
	}
	if err := c.enqueueClose(); err != nil {
		go s.RemoveConnection(c)
	}
}

// enqueue hands data to c's writer. A full queue means the client stopped
// reading; it is removed on its own goroutine so the caller never blocks on
// that client's cleanup.
func (s *Server) enqueue(c *Connection, data []byte) error {
	err := c.Enqueue(data)
	if errors.Is(err, ErrSendQueueFull) {
		log.Warn().Str("module", "ws").Str("conn", c.ID).Int("queue", cap(c.send)).Msg("send queue full, disconnecting")
		metrics.SlowConsumerDisconnects.Inc()
		go s.RemoveConnection(c)
	}
	return err
}

// Connections exposes the connection manager to the heartbeat.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the read loop and closes every connection. Disconnect
// callbacks are not run; the process is going away.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("module", "ws").Msg("shutting down transport")
	close(s.done)

	for _, c := range s.conns.All() {
		if s.sessions != nil {
			delCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_ = s.sessions.Delete(delCtx, c.ID)
			cancel()
		}
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		s.conns.Remove(c.ID)
	}
	metrics.ConnectionsTotal.Set(0)

	if s.epoll != nil {
		return s.epoll.Close()
	}
	return nil
}
