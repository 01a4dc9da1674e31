// Package chat holds the relay's domain types (rooms, messages and persisted
// conversation blocks), their validation rules, and the per-room buffer that
// batches live messages into conversations.
package chat

import "errors"

// ErrValidation marks a domain precondition failure. It is detected before
// any storage call and should be reported back to the caller verbatim.
var ErrValidation = errors.New("validation failed")

// Room is a named channel that scopes broadcast and persisted history.
type Room struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// Message is one chat line. Username always carries the identity of the
// authenticated sender, never a value supplied by the client.
type Message struct {
	RoomID    string `json:"roomId"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix ms, assigned on arrival
}

// Conversation is an immutable, ordered block of messages from one room.
// Timestamp is the flush time in unix ms.
type Conversation struct {
	ID        string    `json:"_id,omitempty"`
	RoomID    string    `json:"room_id"`
	Timestamp int64     `json:"timestamp"`
	Messages  []Message `json:"messages"`
}
