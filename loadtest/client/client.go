// Package client provides a reusable realtime load test client for the chat
// relay. It logs in over HTTP, connects using gobwas/ws (the same library the
// server uses) with the session cookie, and tracks per-connection counters.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Message is a relayed chat frame as the server sends it.
type Message struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Login posts credentials to baseURL/login and returns the Cookie header value
// carrying the issued session. Many connections may share one session.
func Login(ctx context.Context, baseURL, username, password string) (string, error) {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/login",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	hc := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	var parts []string
	for _, c := range resp.Cookies() {
		if c.Value != "" {
			parts = append(parts, c.Name+"="+c.Value)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("login: no session issued (status %d)", resp.StatusCode)
	}
	return strings.Join(parts, "; "), nil
}

// CreateRoom creates a room through the HTTP API and returns its id.
func CreateRoom(ctx context.Context, baseURL, cookie, name string) (string, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/chat",
		bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", cookie)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create room: status %d", resp.StatusCode)
	}

	var room struct {
		ID string `json:"_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return "", fmt.Errorf("create room: decode: %w", err)
	}
	return room.ID, nil
}

// Client represents a single simulated user connection to the relay.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	onMessage func(Message)
	metrics   Metrics
	errors    atomic.Int64
	sent      atomic.Int64
	received  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// New connects to the relay's realtime endpoint at wsURL presenting cookie.
// onMessage is called from the read loop for every relayed chat frame and may
// be nil.
func New(ctx context.Context, wsURL, cookie string, onMessage func(Message)) (*Client, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{"Cookie": {cookie}}),
	}

	start := time.Now()
	conn, br, _, err := dialer.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		// Frames that arrived with the handshake response are not expected.
		ws.PutReader(br)
	}

	c := &Client{
		conn:      conn,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send writes one chat message. It is goroutine-safe.
func (c *Client) Send(roomID, text string) error {
	data, err := json.Marshal(map[string]string{"roomId": roomID, "text": text})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.errors.Load() == 0
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	m := c.metrics
	m.MessagesSent = c.sent.Load()
	m.MessagesReceived = c.received.Load()
	m.Errors = c.errors.Load()
	return m
}

// readLoop reads frames until the connection is closed. Pings are answered
// through lockedWriter so replies never interleave with Send.
func (c *Client) readLoop() {
	rw := struct {
		io.Reader
		io.Writer
	}{c.conn, lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			c.fail()
			return
		}

		c.received.Add(1)
		if c.onMessage == nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.onMessage(msg)
	}
}

func (c *Client) fail() {
	select {
	case <-c.done:
		// Connection was intentionally closed; do not count as error.
	default:
		c.errors.Add(1)
	}
}

// lockedWriter serializes control replies with Send.
type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
