package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxRoomName     = 100
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: message text is empty", ErrValidation)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrValidation, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrValidation)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrValidation, MaxTextChars)
	}
	return nil
}

// ValidateRoom checks the fields a room needs before it is stored.
func ValidateRoom(room Room) error {
	if room.Name == "" {
		return fmt.Errorf("%w: room name is required", ErrValidation)
	}
	if utf8.RuneCountInString(room.Name) > MaxRoomName {
		return fmt.Errorf("%w: room name exceeds %d characters", ErrValidation, MaxRoomName)
	}
	return nil
}

// ValidateConversation checks that a conversation block is complete.
func ValidateConversation(conv Conversation) error {
	switch {
	case conv.RoomID == "":
		return fmt.Errorf("%w: conversation room id is required", ErrValidation)
	case conv.Timestamp <= 0:
		return fmt.Errorf("%w: conversation timestamp is required", ErrValidation)
	case conv.Messages == nil:
		return fmt.Errorf("%w: conversation messages are required", ErrValidation)
	}
	return nil
}
