//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll reports which registered sockets have data to read. The server keeps
// one goroutine blocked in Wait instead of parking a reader goroutine on every
// socket; a readable socket is handed to the worker pool for exactly one
// frame. Registration is level-triggered, so a socket with unread bytes is
// reported again on the next Wait.
type Epoll struct {
	fd     int               // epoll instance descriptor
	mu     sync.RWMutex      // guards byFd
	byFd   map[int]net.Conn  // socket descriptor -> registered conn
	events []unix.EpollEvent // reused by Wait; only the event loop calls it
}

// NewEpoll creates an epoll instance with epoll_create1. The event buffer
// holds up to 128 ready sockets per Wait; more are returned by later calls.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add puts the socket behind conn on the interest list for EPOLLIN and
// EPOLLHUP. A peer hangup therefore surfaces as a readable socket whose next
// read fails, which is how the read path notices closed clients. conn must
// expose a descriptor through syscall.Conn.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	e.mu.Lock()
	e.byFd[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove drops conn from the lookup map before deleting it from the interest
// list, so a Wait racing with Remove cannot hand out a socket that is being
// closed. EPOLL_CTL_DEL on an already closed descriptor returns EBADF; callers
// ignore that error.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	e.mu.Lock()
	delete(e.byFd, fd)
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks in epoll_wait with no timeout until at least one socket is
// readable and returns the matching conns. Descriptors that were removed
// between the syscall returning and the map lookup are skipped. EINTR and a
// closed epoll descriptor are returned to the caller as errors; the event
// loop retries on the first and stops on the second.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFd[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Close forgets every registered conn and closes the epoll descriptor, which
// makes a blocked Wait return with an error. The conns themselves are not
// closed.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFd = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn, or -1 when conn has none (for
// example a net.Pipe in tests). It reads the descriptor through
// SyscallConn().Control instead of File(), which would dup it and leave the
// registered descriptor different from the one the runtime owns.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
