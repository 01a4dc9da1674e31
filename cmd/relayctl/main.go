// Command relayctl administers a chat relay deployment: it seeds users and
// rooms into the relay's database and tails stored-conversation events.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/chat-relay/internal/auth"
	"github.com/whisper/chat-relay/internal/chat"
	"github.com/whisper/chat-relay/internal/config"
	"github.com/whisper/chat-relay/internal/messaging"
	"github.com/whisper/chat-relay/internal/store"
)

const usage = `usage: relayctl <command> [flags]

commands:
  adduser  -username NAME -password SECRET   create or update a login
  addroom  -name NAME [-image URL]           create a chat room
  watch    [-room ID]                        print stored conversation events

DB_DRIVER, DATABASE_URL and NATS_URL are read from the environment.
`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("relayctl: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "adduser":
		err = addUser(ctx, cfg, args)
	case "addroom":
		err = addRoom(ctx, cfg, args)
	case "watch":
		err = watch(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "relayctl: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("relayctl %s: %v", cmd, err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (*store.SQLStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return store.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
}

func addUser(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	username := fs.String("username", "", "login name")
	password := fs.String("password", "", "plain-text password, stored as a bcrypt hash")
	fs.Parse(args)

	if *username == "" || *password == "" {
		return fmt.Errorf("-username and -password are required")
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.AddUser(ctx, store.User{Username: *username, PasswordHash: hash}); err != nil {
		return err
	}
	log.Printf("user %q saved", *username)
	return nil
}

func addRoom(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("addroom", flag.ExitOnError)
	name := fs.String("name", "", "room name")
	image := fs.String("image", "", "room image URL")
	fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	room, err := st.AddRoom(ctx, chat.Room{Name: *name, Image: *image})
	if err != nil {
		return err
	}
	fmt.Println(room.ID)
	return nil
}

func watch(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	room := fs.String("room", "", "only show events for this room id")
	fs.Parse(args)

	if cfg.NATSURL == "" {
		return fmt.Errorf("NATS_URL is not set")
	}
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "chat-relayctl"

	client, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		return err
	}
	defer client.Close()

	err = client.SubscribeConversations(*room, func(ev chat.ConversationEvent) {
		fmt.Printf("%s room=%s conversation=%s messages=%d\n",
			time.UnixMilli(ev.Timestamp).Format(time.RFC3339), ev.RoomID, ev.ConversationID, ev.Count)
	})
	if err != nil {
		return err
	}

	log.Printf("watching %s", messaging.ConversationSubject(orAll(*room)))
	<-ctx.Done()
	return nil
}

func orAll(roomID string) string {
	if roomID == "" {
		return ">"
	}
	return roomID
}
