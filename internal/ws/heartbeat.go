package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no frame received within Interval + Timeout). It returns
// immediately; the goroutine exits when the server shuts down. A zero
// Interval disables the heartbeat.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections removes connections idle for longer than Interval +
// Timeout and pings the rest. Browsers answer pings automatically, which
// refreshes LastSeen on the read path. Pings are written concurrently and
// skip connections whose writer is busy, so a stalled peer delays nobody.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	var wg sync.WaitGroup
	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Printf("ws: heartbeat timeout id=%s last_activity=%s ago",
				c.ID, idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		c := c // per-iteration copy (Go 1.22 loop semantics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A busy writer either finishes or fails on its own deadline.
			if _, err := c.tryWriteFrame(ws.NewPingFrame(nil), server.config.WriteTimeout); err != nil {
				log.Printf("ws: heartbeat ping failed id=%s: %v", c.ID, err)
				server.RemoveConnection(c)
			}
		}()
	}
	wg.Wait()
}
