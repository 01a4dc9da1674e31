package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/chat-relay/loadtest/client"
	"github.com/whisper/chat-relay/loadtest/stats"
)

// stampPrefix marks messages sent by this tool. The send time in unix
// nanoseconds follows it, so any receiver can compute fan-out latency.
const stampPrefix = "lt:"

// runChat spreads clients across freshly created rooms and has every client
// send at a fixed interval. The relay broadcasts each message to every other
// connection, so with N clients one send yields N-1 deliveries.
//
// All clients share one login, so run the relay with RATE_LIMIT_ENABLED=false
// or the per-user message limit will throttle the test.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	tgt := targetFlags(fs)
	rooms := fs.Int("rooms", 10, "Number of rooms to create")
	perRoom := fs.Int("per-room", 10, "Clients per room")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long clients keep sending")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per client")
	msgSize := fs.Int("msg-size", 128, "Size of each message text in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cookie, err := tgt.login(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	roomIDs := make([]string, 0, *rooms)
	for i := 0; i < *rooms; i++ {
		id, err := client.CreateRoom(ctx, *tgt.baseURL, cookie, fmt.Sprintf("loadtest-%d-%d", time.Now().Unix(), i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		roomIDs = append(roomIDs, id)
	}

	total := *rooms * *perRoom
	fmt.Printf("Chat test: %d rooms x %d clients to %s (duration=%s, interval=%s, msg-size=%d)\n",
		*rooms, *perRoom, tgt.wsURL(), *duration, *msgInterval, *msgSize)

	collector := stats.NewCollector()
	scraper := stats.NewScraper(strings.TrimRight(*tgt.baseURL, "/")+"/metrics", *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)
	defer scraper.Stop()

	onMessage := func(int) func(client.Message) {
		return func(m client.Message) {
			if sent, ok := parseStamp(m.Text); ok {
				collector.AddDelivery(time.Since(sent))
			}
		}
	}
	clients, interrupted := rampUpClients(ctx, collector, tgt.wsURL(), cookie, total, *rampUp, *concurrency, onMessage)
	defer closeAll(clients)
	if interrupted {
		collector.Report()
		return
	}

	fmt.Println("\n--- Send phase ---")
	sendCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	padding := strings.Repeat("x", max(0, *msgSize-len(stampPrefix)-20))
	var wg sync.WaitGroup
	for i, c := range clients {
		i, c := i, c // per-iteration copy (Go 1.22 loop semantics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			roomID := roomIDs[i%len(roomIDs)]

			// Stagger the first send so clients do not fire in lockstep.
			offset := *msgInterval * time.Duration(i) / time.Duration(len(clients))
			select {
			case <-sendCtx.Done():
				return
			case <-time.After(offset):
			}

			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for {
				if err := c.Send(roomID, stamp(time.Now(), padding)); err != nil {
					collector.AddError()
					return
				}
				collector.AddSent()

				select {
				case <-sendCtx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for waiting := true; waiting; {
		select {
		case <-done:
			waiting = false
		case <-progress.C:
			sent, delivered := collector.Counts()
			fmt.Printf("  [send] sent: %d  delivered: %d  alive: %d/%d\n",
				sent, delivered, countAlive(clients), len(clients))
		}
	}

	// Let in-flight deliveries land before reporting.
	time.Sleep(time.Second)
	collector.Report()
}

func stamp(at time.Time, padding string) string {
	return stampPrefix + strconv.FormatInt(at.UnixNano(), 10) + " " + padding
}

func parseStamp(text string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(text, stampPrefix)
	if !ok {
		return time.Time{}, false
	}
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}
	ns, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
