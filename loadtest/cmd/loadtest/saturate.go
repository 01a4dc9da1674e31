package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/chat-relay/loadtest/client"
	"github.com/whisper/chat-relay/loadtest/stats"
)

// runSaturate opens connections at a steady rate up to the requested count,
// then holds them while reporting how many the relay has dropped. It finds
// the capacity at which the relay starts refusing upgrades.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	tgt := targetFlags(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cookie, err := tgt.login(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, tgt.wsURL(), *rampUp, *hold, *concurrency)

	collector := stats.NewCollector()
	clients, interrupted := rampUpClients(ctx, collector, tgt.wsURL(), cookie, *connections, *rampUp, *concurrency, nil)
	defer closeAll(clients)

	if interrupted {
		collector.Report()
		return
	}

	fmt.Println("\n--- Hold phase ---")
	fmt.Printf("Holding %d connections for %s...\n", len(clients), *hold)

	holdTimer := time.NewTimer(*hold)
	defer holdTimer.Stop()
	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			collector.Report()
			return
		case <-holdTimer.C:
			fmt.Printf("\nHold period complete: %d/%d alive.\n", countAlive(clients), len(clients))
			collector.Report()
			return
		case <-statusTicker.C:
			alive := countAlive(clients)
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(clients), len(clients)-alive)
		}
	}
}

// rampUpClients opens n connections spread over rampUp with at most
// concurrency dials in flight. onMessage(i) supplies the per-client handler
// and may be nil. It reports whether ctx ended the ramp early.
func rampUpClients(ctx context.Context, collector *stats.Collector, wsURL, cookie string,
	n int, rampUp time.Duration, concurrency int, onMessage func(i int) func(client.Message)) ([]*client.Client, bool) {

	fmt.Println("\n--- Ramp-up phase ---")

	interval := rampUp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	clients := make([]*client.Client, n)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progress := time.NewTicker(time.Second)
	defer progress.Stop()
	ramp := time.NewTicker(interval)
	defer ramp.Stop()

	start := time.Now()
	interrupted := false
	for launched := 0; launched < n && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-progress.C:
			fmt.Printf("  [ramp] connections: %d/%d  errors: %d\n",
				collector.ConnectionCount(), n, collector.ErrorCount())
		case <-ramp.C:
			i := launched
			launched++
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				var handler func(client.Message)
				if onMessage != nil {
					handler = onMessage(i)
				}
				c, err := client.New(dialCtx, wsURL, cookie, handler)
				if err != nil {
					collector.AddError()
					return
				}
				collector.AddConnect(c.GetMetrics().ConnectLatency)
				clients[i] = c
			}()
		}
	}
	wg.Wait()

	opened := clients[:0]
	for _, c := range clients {
		if c != nil {
			opened = append(opened, c)
		}
	}
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(opened), n, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return opened, interrupted
}

func countAlive(clients []*client.Client) int {
	alive := 0
	for _, c := range clients {
		if c.Alive() {
			alive++
		}
	}
	return alive
}

func closeAll(clients []*client.Client) {
	fmt.Printf("\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
