// Package main is the entry point for the chat relay load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: hold N authenticated idle connections
//   - chat:     rooms full of clients exchanging messages, measuring fan-out
//
// Both scenarios log in once and share that session across connections, so
// the relay's per-IP login limit does not interfere.
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/whisper/chat-relay/loadtest/client"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle authenticated connections")
	fmt.Println("  chat        Room fan-out test, clients in each room exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// target holds the flags every scenario shares.
type target struct {
	baseURL  *string
	username *string
	password *string
}

func targetFlags(fs *flag.FlagSet) target {
	return target{
		baseURL:  fs.String("url", "http://localhost:8080", "Relay base URL"),
		username: fs.String("user", "loadtest", "Login name (create it with relayctl adduser)"),
		password: fs.String("password", "loadtest", "Login password"),
	}
}

// wsURL derives the realtime endpoint from the base URL.
func (t target) wsURL() string {
	u := strings.TrimRight(*t.baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

func (t target) login(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.Login(ctx, *t.baseURL, *t.username, *t.password)
}
