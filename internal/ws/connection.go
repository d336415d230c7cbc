package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"
)

// DefaultSendQueue is the number of outbound frames a connection may have
// waiting for its writer before it is treated as stalled.
const DefaultSendQueue = 256

var (
	// ErrSendQueueFull is returned by Enqueue when the writer is too far
	// behind; the server disconnects such a client.
	ErrSendQueueFull = errors.New("ws: send queue full")
	// ErrConnectionClosed is returned by Enqueue after Close.
	ErrConnectionClosed = errors.New("ws: connection closed")
)

// frame is one queued outbound item. A close frame tells the writer to flush
// what precedes it and then hand the connection back for removal.
type frame struct {
	op    ws.OpCode
	data  []byte
	close bool
}

// Connection is one WebSocket client.
//
// Outbound frames normally go through a bounded queue drained by a dedicated
// writer goroutine (see Enqueue and startWriter), so a client that stops
// reading never blocks the goroutine that produced the frame. WriteMessage
// writes directly and is only used before the writer starts or when no
// server is attached. Both paths hold writeMu while writing, so frame bytes
// never interleave.
type Connection struct {
	ID         string
	Conn       net.Conn
	Fd         int // -1 when the conn has no descriptor
	CreatedAt  time.Time
	lastSeen   atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex
	processing int32 // 1 while a worker is reading this connection

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, conn net.Conn, queue int) *Connection {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	now := time.Now()
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
		send:      make(chan frame, queue),
		done:      make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last frame read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Enqueue queues one text frame for the writer without blocking. It fails
// with ErrSendQueueFull when the queue is at capacity and with
// ErrConnectionClosed once the connection is closed; in both cases data is
// dropped.
func (c *Connection) Enqueue(data []byte) error {
	return c.enqueue(frame{op: ws.OpText, data: data})
}

// EnqueuePing queues a protocol-level ping behind any pending frames.
func (c *Connection) EnqueuePing() error {
	return c.enqueue(frame{op: ws.OpPing})
}

// enqueueClose asks the writer to flush everything queued so far and then
// close. It shares the queue capacity with data frames.
func (c *Connection) enqueueClose() error {
	return c.enqueue(frame{close: true})
}

func (c *Connection) enqueue(f frame) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// startWriter runs the writer goroutine. Each frame gets its own write
// deadline when timeout is positive. The writer exits when the connection is
// closed; on a write error or after a close frame it calls release once, which
// is expected to remove the connection.
func (c *Connection) startWriter(timeout time.Duration, release func(*Connection)) {
	go func() {
		for {
			select {
			case <-c.done:
				return
			case f := <-c.send:
				if f.close {
					c.writeClose(timeout)
					release(c)
					return
				}
				if err := c.writeFrame(f, timeout); err != nil {
					log.Debug().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("write failed")
					release(c)
					return
				}
			}
		}
	}()
}

func (c *Connection) writeFrame(f frame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	if f.op == ws.OpPing {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	}
	return wsutil.WriteServerMessage(c.Conn, f.op, f.data)
}

// writeClose sends a normal-closure close frame. Errors are ignored; the
// socket is closed right after.
func (c *Connection) writeClose(timeout time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(body))
}

// WriteMessage writes one text frame synchronously, bypassing the queue.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close stops the writer and closes the socket. Frames still queued are
// dropped. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager indexes live connections by id and by file descriptor.
// The id index serves outbound delivery; the descriptor index lets the event
// loop map a socket reported by epoll back to its Connection in O(1).
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers conn.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove unregisters and closes the connection. It reports false when the
// connection was already gone, which makes it the single point that decides
// who runs disconnect cleanup when the read path, the writer and the
// heartbeat race. The descriptor entry is only deleted if it still points at
// this connection, since the kernel may already have reused the number for a
// newer socket.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// Get returns the connection with id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn resolves a socket reported by epoll. On platforms without
// descriptors (socketFD returns -1) it falls back to a linear scan, which is
// acceptable for the development poller only.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if fd >= 0 {
		return cm.byFd[fd]
	}
	// Without file descriptors (non-Linux) fall back to a scan.
	for _, conn := range cm.byID {
		if conn.Conn == c {
			return conn
		}
	}
	return nil
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of every live connection.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
