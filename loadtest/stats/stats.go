// Package stats aggregates load test measurements from many client goroutines
// and prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates measurements from concurrent clients.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	fanoutLatencies  []time.Duration
	sent             int
	delivered        int
	errors           int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a metrics scraper whose summary is appended to Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an established connection and its handshake latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts one chat message written by a client.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records one relayed message arriving at a peer, d after it was
// sent.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.fanoutLatencies = append(c.fanoutLatencies, d)
	c.delivered++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Counts returns messages sent and deliveries observed so far.
func (c *Collector) Counts() (sent, delivered int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.delivered
}

// Report prints the collected measurements to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}
	if c.sent > 0 {
		fmt.Printf("Sent:         %d (%.1f msg/s)\n", c.sent, float64(c.sent)/elapsed.Seconds())
		fmt.Printf("Delivered:    %d (%.1f per message)\n", c.delivered, float64(c.delivered)/float64(c.sent))
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		fmt.Println(Summarize(c.connectLatencies))
	}
	if len(c.fanoutLatencies) > 0 {
		fmt.Println("\n--- Fan-out Latency ---")
		fmt.Println(Summarize(c.fanoutLatencies))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Summarize sorts durations in place and formats avg, p50, p95, p99 and max.
func Summarize(durations []time.Duration) string {
	n := len(durations)
	if n == 0 {
		return "  no samples"
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	pct := func(p float64) time.Duration {
		return durations[int(math.Ceil(float64(n)*p))-1]
	}

	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		(sum / time.Duration(n)).Round(time.Microsecond),
		durations[n/2].Round(time.Microsecond),
		pct(0.95).Round(time.Microsecond),
		pct(0.99).Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
