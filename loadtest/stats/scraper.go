package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Relay series the scraper tracks. Labeled series are summed per name, except
// where a label selector is part of the key.
var trackedSeries = []struct {
	key   string
	label string
	gauge bool
}{
	{key: "relay_connections", label: "Connections", gauge: true},
	{key: "relay_messages_total", label: "Messages"},
	{key: `relay_messages_total{result="rate_limited"}`, label: "Rate Limited"},
	{key: `relay_deliveries_total{result="queued"}`, label: "Deliveries"},
	{key: `relay_deliveries_total{result="dropped"}`, label: "Dropped"},
	{key: `relay_conversations_persisted_total{result="ok"}`, label: "Persisted"},
	{key: `relay_conversations_persisted_total{result="error"}`, label: "Persist Errors"},
}

type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper periodically fetches the relay's Prometheus endpoint and keeps
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately, then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return // server not up yet
	}
	defer resp.Body.Close()

	values, err := parseExposition(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshot{at: time.Now(), values: values})
	s.mu.Unlock()
}

// parseExposition reads Prometheus text format. Each sample is recorded under
// its full series key and also summed under its bare metric name.
func parseExposition(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		sep := strings.LastIndexByte(line, ' ')
		if sep <= 0 {
			continue
		}
		v, err := strconv.ParseFloat(line[sep+1:], 64)
		if err != nil {
			continue
		}
		series := line[:sep]
		values[series] = v
		if i := strings.IndexByte(series, '{'); i > 0 {
			values[series[:i]] += v
		}
	}
	return values, scanner.Err()
}

// Report prints the first, last, delta and peak value of each tracked series.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n\n", len(snaps), last.at.Sub(first.at).Round(time.Second))
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, t := range trackedSeries {
		peak := math.Inf(-1)
		for _, sn := range snaps {
			peak = math.Max(peak, sn.values[t.key])
		}
		initial, final := first.values[t.key], last.values[t.key]
		if !t.gauge {
			peak = final
		}
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", t.label, initial, final, final-initial, peak)
	}

	sum := last.values["relay_persist_latency_seconds_sum"] - first.values["relay_persist_latency_seconds_sum"]
	count := last.values["relay_persist_latency_seconds_count"] - first.values["relay_persist_latency_seconds_count"]
	if count > 0 {
		fmt.Printf("\n  %-16s avg: %.4fs  (%.0f observations)\n", "Persist Latency", sum/count, count)
	}
}
