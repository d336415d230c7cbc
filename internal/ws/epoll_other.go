//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// pollInterval is how often the fallback marks every socket as ready. A
// worker then blocks in the frame read until data or the read deadline.
const pollInterval = 50 * time.Millisecond

// Epoll is a polling stand-in for platforms without epoll, for local
// development only.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts polling conn.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()
	go e.poll(conn)
	return nil
}

func (e *Epoll) poll(conn net.Conn) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		e.mu.RLock()
		_, ok := e.conns[conn]
		e.mu.RUnlock()
		if !ok {
			return
		}
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case <-ticker.C:
		case <-e.done:
			return
		}
	}
}

// Remove stops polling conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait returns every socket currently marked ready.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}
	ready := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

// Close stops all pollers.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return nil
}

// socketFD is unused without epoll.
func socketFD(net.Conn) int {
	return -1
}
