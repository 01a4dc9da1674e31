// Package ws is the relay's realtime transport. It authenticates and upgrades
// HTTP requests to WebSocket connections, tracks the live connection set,
// reads frames through epoll and a bounded worker pool, and writes through a
// per-connection outbound queue.
package ws

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/whisper/chat-relay/internal/auth"
	"github.com/whisper/chat-relay/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for reading a frame once data is ready
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueueSize  int           // outbound frames buffered per connection
	MaxFrameSize   int64         // largest accepted inbound message in bytes
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		MaxFrameSize:   16 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	AuthenticateRequest(r *http.Request) (auth.Identity, error)
}

// Server upgrades authenticated HTTP requests to WebSocket, registers them
// with an epoll instance for I/O readiness notifications, and dispatches
// ready connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	auth         Authenticator
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called once when a connection is removed
	open         int32                               // atomic, 1 between Open and Shutdown
	done         chan struct{}
	shutdownOnce sync.Once
	startedAt    time.Time
}

// NewServer creates a Server that admits connections authenticated by
// authenticator. Call Open before serving requests.
func NewServer(config ServerConfig, authenticator Authenticator) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 1
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultServerConfig().MaxFrameSize
	}
	return &Server{
		config:     config,
		auth:       authenticator,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// SetOnMessage registers the callback run from a worker goroutine for every
// complete data message. It must be called before Open.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, heartbeat timeout, slow consumer or shutdown). It must
// be called before Open.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Open initializes the epoll instance and starts the event loop and the
// heartbeat monitor.
func (s *Server) Open() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	atomic.StoreInt32(&s.open, 1)

	log.Printf("ws: server open (workers=%d, max_conns=%d, send_queue=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections, s.config.SendQueueSize)
	return nil
}

// ServeHTTP authenticates the request and upgrades it. Requests without a
// live session are upgraded only to receive a policy-violation close frame,
// and are never registered.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.open) == 0 {
		http.Error(w, "server not accepting connections", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		metrics.Rejections.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	c := newConnection(uuid.New().String(), nil, s.config.SendQueueSize)
	c.setState(StateAuthenticating)
	identity, authErr := s.auth.AuthenticateRequest(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.Rejections.WithLabelValues("upgrade").Inc()
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	c.Conn = conn

	if authErr != nil {
		metrics.Rejections.WithLabelValues("unauthenticated").Inc()
		log.Printf("ws: rejected connection from %s: %v", r.RemoteAddr, authErr)
		s.closeWith(c, ws.StatusPolicyViolation, "unauthenticated")
		return
	}
	c.Identity = identity

	s.register(c)
}

// register moves an authenticated connection to Open and starts serving it.
func (s *Server) register(c *Connection) {
	c.setState(StateOpen)
	s.conns.Add(c)
	if err := s.epoll.Add(c.Conn); err != nil {
		log.Printf("ws: epoll add failed for connection %s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		c.close()
		return
	}
	c.frames.src = s.epoll.Reader(c.Conn)
	metrics.Connections.Inc()

	go s.writeLoop(c)

	log.Printf("ws: new connection id=%s user=%s (total=%d)", c.ID, c.Username(), s.conns.Count())
}

// closeWith sends a close frame and closes a connection that was never
// registered.
func (s *Server) closeWith(c *Connection, code ws.StatusCode, reason string) {
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	if err := c.writeFrame(frame, s.config.WriteTimeout); err != nil {
		log.Printf("ws: close frame to %s failed: %v", c.ID, err)
	}
	c.close()
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes one WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are answered here; data messages are passed to onMessage once their
// last fragment arrives. Any read or protocol error removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Rearm(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, payload, err := c.frames.next(s.config.MaxFrameSize)
	if err != nil {
		var netErr net.Error
		switch {
		case errors.Is(err, errFrameTooLarge):
			log.Printf("ws: frame of %d bytes from %s exceeds limit", header.Length, c.ID)
			s.closeConnection(c, ws.StatusMessageTooBig, "message too big")
		case errors.As(err, &netErr) && netErr.Timeout():
			// Either a stale readiness event or a frame cut short by the
			// deadline; a partial frame resumes on the next event. The
			// heartbeat takes care of connections that really went quiet.
		default:
			s.RemoveConnection(c)
		}
		return
	}
	if header.Masked {
		ws.Cipher(payload, header.Mask, 0)
	}

	// Any frame proves the connection is alive.
	c.touch(time.Now())

	switch header.OpCode {
	case ws.OpPing:
		if err := c.writeFrame(ws.NewPongFrame(payload), s.config.WriteTimeout); err != nil {
			s.RemoveConnection(c)
		}
		return
	case ws.OpPong:
		return
	case ws.OpClose:
		s.closeConnection(c, ws.StatusNormalClosure, "")
		return
	}

	data, ok := c.assemble(header, payload, s.config.MaxFrameSize)
	if !ok || len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// writeLoop drains the connection's outbound queue until it is closed.
func (s *Server) writeLoop(c *Connection) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.writeText(data, s.config.WriteTimeout); err != nil {
				log.Printf("ws: write to %s failed: %v", c.ID, err)
				s.RemoveConnection(c)
				return
			}
		}
	}
}

// closeConnection sends a close frame before removing c.
func (s *Server) closeConnection(c *Connection, code ws.StatusCode, reason string) {
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	_ = c.writeFrame(frame, s.config.WriteTimeout)
	s.RemoveConnection(c)
}

// RemoveConnection removes a connection from both epoll and the connection
// manager and closes it. Only the first call for a connection has an effect,
// so read errors, heartbeat timeouts and slow-consumer eviction may race.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		c.close()
		return
	}
	c.close()
	metrics.Connections.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed id=%s user=%s (total=%d)", c.ID, c.Username(), s.conns.Count())
}

// Connections returns the live connection set.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// StartedAt returns when Open was called.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// Shutdown stops accepting connections, closes every live connection with a
// going-away frame and releases the epoll instance. The HTTP listener is
// owned by the caller.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		log.Println("ws: shutting down server...")
		atomic.StoreInt32(&s.open, 0)
		close(s.done)

		for _, c := range s.conns.All() {
			s.closeConnection(c, ws.StatusGoingAway, "server shutting down")
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		log.Printf("ws: server stopped, all connections closed")
	})
	return nil
}
