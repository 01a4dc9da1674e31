// Package store persists rooms, users and conversation blocks. It is the
// relay's only durable state: live messages stay in memory until a room's
// buffer fills, at which point the block is written here as one immutable
// conversation row.
package store

import (
	"context"
	"time"

	"github.com/whisper/chat-relay/internal/chat"
)

// User is a registered account.
type User struct {
	Username     string
	PasswordHash string
}

// Store is the storage collaborator used by the broker and the HTTP API.
// Lookups return nil, nil when nothing matches; validation failures wrap
// chat.ErrValidation and are reported before the database is touched.
type Store interface {
	GetRooms(ctx context.Context) ([]chat.Room, error)
	GetRoom(ctx context.Context, id string) (*chat.Room, error)
	AddRoom(ctx context.Context, room chat.Room) (*chat.Room, error)

	// GetLastConversationBefore returns the newest conversation of roomID
	// whose timestamp is strictly before before (unix ms). A zero before
	// means now.
	GetLastConversationBefore(ctx context.Context, roomID string, before int64) (*chat.Conversation, error)
	AddConversation(ctx context.Context, conv chat.Conversation) (*chat.Conversation, error)

	GetUser(ctx context.Context, username string) (*User, error)
	AddUser(ctx context.Context, user User) error

	Close() error
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
