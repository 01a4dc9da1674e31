// Package wstest provides a minimal WebSocket client for tests of the realtime
// transport.
package wstest

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client is a test WebSocket client.
type Client struct {
	Conn net.Conn
	r    io.Reader
}

// Dial opens a WebSocket connection to the http(s) URL of a test server,
// sending cookie as the Cookie header when it is not empty.
func Dial(t testing.TB, serverURL, cookie string) *Client {
	t.Helper()
	c, err := DialErr(serverURL, cookie)
	if err != nil {
		t.Fatalf("dial %s: %v", serverURL, err)
	}
	t.Cleanup(func() { c.Conn.Close() })
	return c
}

// DialErr is Dial without the test failure.
func DialErr(serverURL, cookie string) (*Client, error) {
	d := ws.Dialer{Timeout: 5 * time.Second}
	if cookie != "" {
		d.Header = ws.HandshakeHeaderHTTP(http.Header{"Cookie": []string{cookie}})
	}

	url := "ws" + strings.TrimPrefix(serverURL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c := &Client{Conn: conn, r: conn}
	if br != nil {
		// The handshake reader may already hold frames.
		c.r = br
	}
	return c, nil
}

// Send writes a masked text frame.
func (c *Client) Send(data []byte) error {
	return wsutil.WriteClientText(c.Conn, data)
}

// SendFrame writes an arbitrary frame, masking it as clients must.
func (c *Client) SendFrame(f ws.Frame) error {
	return ws.WriteFrame(c.Conn, ws.MaskFrame(f))
}

// ReadFrame reads the next frame of any kind.
func (c *Client) ReadFrame(timeout time.Duration) (ws.Frame, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.Conn.SetReadDeadline(time.Time{})
	return ws.ReadFrame(c.r)
}

// ErrClosed is returned by ReadText when the server sent a close frame.
var ErrClosed = errors.New("wstest: server closed the connection")

// ReadText returns the payload of the next text frame, skipping pings.
func (c *Client) ReadText(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := c.ReadFrame(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		switch f.Header.OpCode {
		case ws.OpText:
			return f.Payload, nil
		case ws.OpClose:
			return nil, ErrClosed
		}
	}
}

// ExpectSilence fails if a text frame arrives within d.
func (c *Client) ExpectSilence(t testing.TB, d time.Duration) {
	t.Helper()
	data, err := c.ReadText(d)
	if err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// Close closes the underlying connection without a close handshake.
func (c *Client) Close() error {
	return c.Conn.Close()
}
