package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chat-relay/internal/auth"
)

var (
	// ErrConnectionClosed is returned when writing to a connection that has
	// left the Open state.
	ErrConnectionClosed = errors.New("ws: connection closed")

	// ErrSendQueueFull is returned by Enqueue when the peer is not draining
	// its outbound queue fast enough.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection represents a single authenticated realtime client. Outbound
// frames go through a bounded queue drained by one writer goroutine; the
// write mutex serializes that writer with control frames.
type Connection struct {
	ID        string        // connection ID (UUID)
	Identity  auth.Identity // resolved at handshake, immutable afterwards
	Conn      net.Conn      // underlying TCP connection
	CreatedAt time.Time     // when the connection was established

	frames     frameReader // read path only
	lastSeen   int64       // atomic, unix nanos of the last frame received
	state      int32       // atomic State
	processing int32       // atomic flag: 0 = idle, 1 = being read by handleConn
	partial    []byte      // fragmented message in progress, read path only

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex // serializes writes to this connection
}

func newConnection(id string, conn net.Conn, queueSize int) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		Conn:      conn,
		CreatedAt: now,
		frames:    frameReader{src: conn},
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
	c.touch(now)
	return c
}

// Username is the authenticated identity's name.
func (c *Connection) Username() string {
	return c.Identity.Username
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Connection) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// LastSeen returns when the last frame arrived from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

func (c *Connection) touch(t time.Time) {
	atomic.StoreInt64(&c.lastSeen, t.UnixNano())
}

// Enqueue hands data to the connection's writer without blocking.
func (c *Connection) Enqueue(data []byte) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// writeText writes one text frame. A zero timeout disables the deadline.
func (c *Connection) writeText(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeFrame writes a control frame, bypassing the queue.
func (c *Connection) writeFrame(f ws.Frame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// tryWriteFrame is writeFrame for callers that must not wait behind another
// writer. It reports false without writing when the connection is busy.
func (c *Connection) tryWriteFrame(f ws.Frame, timeout time.Duration) (bool, error) {
	if !c.writeMu.TryLock() {
		return false, nil
	}
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return true, ws.WriteFrame(c.Conn, f)
}

// assemble collects message fragments. It returns the full payload once the
// final frame of a data message has arrived.
func (c *Connection) assemble(h ws.Header, payload []byte, limit int64) ([]byte, bool) {
	switch {
	case h.OpCode != ws.OpContinuation && h.Fin:
		c.partial = nil
		return payload, true
	case h.OpCode != ws.OpContinuation:
		c.partial = append([]byte(nil), payload...)
		return nil, false
	case c.partial == nil:
		// continuation without a start frame
		return nil, false
	}

	c.partial = append(c.partial, payload...)
	if int64(len(c.partial)) > limit {
		c.partial = nil
		return nil, false
	}
	if !h.Fin {
		return nil, false
	}
	data := c.partial
	c.partial = nil
	return data, true
}

// close moves the connection to Closed, stops its writer and closes the
// socket. Safe to call more than once.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		_ = c.Conn.Close()
	})
}

// ConnectionManager is a thread-safe registry of live connections, indexed by
// connection ID and by the underlying net.Conn reported by the poller.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection by ID. Returns true if the connection was
// found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	return ok
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Peers returns a snapshot of the Open connections other than except.
func (cm *ConnectionManager) Peers(except *Connection) []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		if conn != except && conn.State() == StateOpen {
			conns = append(conns, conn)
		}
	}
	cm.mu.RUnlock()
	return conns
}
