package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/whisper/chat-relay/internal/chat"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndGetRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, err := s.AddRoom(ctx, chat.Room{Name: "general", Image: "g.png"})
	if err != nil {
		t.Fatalf("AddRoom: %v", err)
	}
	if room.ID == "" {
		t.Fatal("expected room id to be assigned")
	}

	got, err := s.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got == nil || got.Name != "general" || got.Image != "g.png" {
		t.Fatalf("GetRoom = %+v", got)
	}

	missing, err := s.GetRoom(ctx, "nope")
	if err != nil {
		t.Fatalf("GetRoom missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown room, got %+v", missing)
	}
}

func TestAddRoomRequiresName(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddRoom(context.Background(), chat.Room{})
	if !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestGetRooms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rooms, err := s.GetRooms(ctx)
	if err != nil {
		t.Fatalf("GetRooms: %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("expected no rooms, got %d", len(rooms))
	}

	for _, name := range []string{"a", "b", "c"} {
		if _, err := s.AddRoom(ctx, chat.Room{Name: name}); err != nil {
			t.Fatalf("AddRoom %s: %v", name, err)
		}
	}

	rooms, err = s.GetRooms(ctx)
	if err != nil {
		t.Fatalf("GetRooms: %v", err)
	}
	names := map[string]bool{}
	for _, r := range rooms {
		names[r.Name] = true
	}
	if len(rooms) != 3 || !names["a"] || !names["b"] || !names["c"] {
		t.Fatalf("GetRooms = %+v", rooms)
	}
}

func conversationAt(roomID string, ts int64, texts ...string) chat.Conversation {
	msgs := make([]chat.Message, 0, len(texts))
	for _, text := range texts {
		msgs = append(msgs, chat.Message{RoomID: roomID, Username: "alice", Text: text, Timestamp: ts})
	}
	return chat.Conversation{RoomID: roomID, Timestamp: ts, Messages: msgs}
}

func TestGetLastConversationBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []chat.Conversation{
		conversationAt("r1", 1000, "one"),
		conversationAt("r1", 2000, "two"),
		conversationAt("r1", 3000, "three"),
		conversationAt("r2", 2500, "other"),
	} {
		if _, err := s.AddConversation(ctx, c); err != nil {
			t.Fatalf("AddConversation: %v", err)
		}
	}

	tests := []struct {
		name   string
		before int64
		want   string
	}{
		{"defaults to now", 0, "three"},
		{"strictly before", 3000, "two"},
		{"between blocks", 2999, "two"},
		{"oldest", 1001, "one"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv, err := s.GetLastConversationBefore(ctx, "r1", tt.before)
			if err != nil {
				t.Fatalf("GetLastConversationBefore: %v", err)
			}
			if conv == nil {
				t.Fatal("expected a conversation")
			}
			if conv.RoomID != "r1" || len(conv.Messages) != 1 || conv.Messages[0].Text != tt.want {
				t.Errorf("got %+v, want text %q", conv, tt.want)
			}
		})
	}

	conv, err := s.GetLastConversationBefore(ctx, "r1", 1000)
	if err != nil {
		t.Fatalf("GetLastConversationBefore: %v", err)
	}
	if conv != nil {
		t.Errorf("expected nil before the first block, got %+v", conv)
	}
}

func TestAddConversationPreservesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := conversationAt("r1", 5000, "hi", "there", "héllo")
	stored, err := s.AddConversation(ctx, in)
	if err != nil {
		t.Fatalf("AddConversation: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("expected conversation id")
	}

	got, err := s.GetLastConversationBefore(ctx, "r1", 0)
	if err != nil {
		t.Fatalf("GetLastConversationBefore: %v", err)
	}
	if got.ID != stored.ID || got.Timestamp != 5000 {
		t.Fatalf("got %+v, want id %s", got, stored.ID)
	}
	for i, m := range got.Messages {
		if m != in.Messages[i] {
			t.Errorf("message %d = %+v, want %+v", i, m, in.Messages[i])
		}
	}
}

func TestAddConversationValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []chat.Conversation{
		{Timestamp: 1, Messages: []chat.Message{{Text: "x"}}},
		{RoomID: "r1", Messages: []chat.Message{{Text: "x"}}},
		{RoomID: "r1", Timestamp: 1},
	}
	for i, c := range cases {
		if _, err := s.AddConversation(ctx, c); !errors.Is(err, chat.ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if u, err := s.GetUser(ctx, "alice"); err != nil || u != nil {
		t.Fatalf("GetUser before add = %+v, %v", u, err)
	}

	if err := s.AddUser(ctx, User{Username: "alice", PasswordHash: "h1"}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := s.AddUser(ctx, User{Username: "alice", PasswordHash: "h2"}); err != nil {
		t.Fatalf("AddUser replace: %v", err)
	}

	u, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u == nil || u.PasswordHash != "h2" {
		t.Fatalf("GetUser = %+v", u)
	}

	if err := s.AddUser(ctx, User{Username: "bob"}); !errors.Is(err, chat.ErrValidation) {
		t.Errorf("expected ErrValidation for missing hash, got %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), DriverPostgres, dsn)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	room, err := s.AddRoom(ctx, chat.Room{Name: "pg-room"})
	if err != nil {
		t.Fatalf("AddRoom: %v", err)
	}
	if _, err := s.AddConversation(ctx, conversationAt(room.ID, 1000, "hello")); err != nil {
		t.Fatalf("AddConversation: %v", err)
	}
	conv, err := s.GetLastConversationBefore(ctx, room.ID, 0)
	if err != nil || conv == nil || conv.Messages[0].Text != "hello" {
		t.Fatalf("GetLastConversationBefore = %+v, %v", conv, err)
	}
}
