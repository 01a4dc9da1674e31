package chat

// ConversationEvent is the payload published to NATS
// conversation.stored.<room_id> subjects after a conversation block has been
// durably stored.
type ConversationEvent struct {
	RoomID         string `json:"room_id"`
	ConversationID string `json:"conversation_id"`
	Timestamp      int64  `json:"timestamp"` // flush time, unix ms
	Count          int    `json:"count"`     // number of messages in the block
}
