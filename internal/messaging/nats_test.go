package messaging

import (
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chat-relay/internal/chat"
)

// newTestClient connects to a local NATS server. Tests that call this helper
// require nats-server on localhost:4222.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "chat-relay-test"
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestConversationSubject(t *testing.T) {
	if got := ConversationSubject("r1"); got != "conversation.stored.r1" {
		t.Errorf("ConversationSubject = %q", got)
	}
}

func TestPublishConversationStored(t *testing.T) {
	pub := newTestClient(t)
	sub := newTestClient(t)

	room := "test-" + uuid.NewString()
	other := "test-" + uuid.NewString()

	got := make(chan chat.ConversationEvent, 4)
	if err := sub.SubscribeConversations(room, func(ev chat.ConversationEvent) { got <- ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	want := chat.ConversationEvent{RoomID: room, ConversationID: "c1", Timestamp: 1700000000000, Count: 10}
	if err := pub.PublishConversationStored(chat.ConversationEvent{RoomID: other, ConversationID: "c0", Count: 10}); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	if err := pub.PublishConversationStored(want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case ev := <-got:
		if ev != want {
			t.Errorf("event = %+v, want %+v", ev, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	select {
	case ev := <-got:
		t.Errorf("unexpected event for another room: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAllRooms(t *testing.T) {
	pub := newTestClient(t)
	sub := newTestClient(t)

	got := make(chan chat.ConversationEvent, 4)
	if err := sub.SubscribeConversations("", func(ev chat.ConversationEvent) { got <- ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rooms := []string{"test-" + uuid.NewString(), "test-" + uuid.NewString()}
	for _, room := range rooms {
		if err := pub.PublishConversationStored(chat.ConversationEvent{RoomID: room, Count: 10}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	seen := make(map[string]bool)
	deadline := time.After(2 * time.Second)
	for len(seen) < len(rooms) {
		select {
		case ev := <-got:
			if slices.Contains(rooms, ev.RoomID) {
				seen[ev.RoomID] = true
			}
		case <-deadline:
			t.Fatalf("received events for %d of %d rooms", len(seen), len(rooms))
		}
	}
}
