//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

const waitTimeout = 100 * time.Millisecond

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection gets a monitor goroutine that peeks at its buffered reader
// and reports readiness once per Rearm, mirroring one-shot epoll semantics.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*polled
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

type polled struct {
	r     *bufio.Reader
	rearm chan struct{}
	stop  chan struct{}
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*polled),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor.
func (e *Epoll) Add(conn net.Conn) error {
	p := &polled{
		r:     bufio.NewReader(conn),
		rearm: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[conn] = p
	e.mu.Unlock()

	go e.monitor(conn, p)
	return nil
}

// monitor blocks on a one-byte Peek, which leaves the byte in the buffer for
// the frame reader, then waits for Rearm before peeking again. Errors are
// reported as readiness so the read path observes the closure.
func (e *Epoll) monitor(conn net.Conn, p *polled) {
	for {
		_, err := p.r.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-p.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-p.rearm:
		case <-p.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove unregisters a connection and stops its monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	p, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()

	if ok {
		close(p.stop)
	}
	return nil
}

// Rearm lets the connection's monitor report the next readiness event.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	p, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.rearm <- struct{}{}:
	default:
	}
}

// Reader returns the buffered reader the monitor peeks on. Frames must be
// read through it so no peeked byte is lost.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.conns[conn]; ok {
		return p.r
	}
	return conn
}

// Wait blocks until at least one connection is ready or the wait times out.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	case <-time.After(waitTimeout):
		return nil, nil
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() {
		close(e.done)
	})
	e.mu.Lock()
	e.conns = make(map[net.Conn]*polled)
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool {
	return false
}
