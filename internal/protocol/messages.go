// Package protocol defines the realtime wire format between chat clients and
// the relay. Frames are JSON objects: clients send {roomId, text}; the relay
// forwards {roomId, username, text} to every other connected client.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for frames that cannot be decoded into an inbound
// chat message. Such frames are dropped; the connection stays open.
var ErrMalformed = errors.New("protocol: malformed message")

// InboundMsg is a chat message as sent by a client. Any username the client
// includes is ignored; the relay stamps the authenticated identity instead.
type InboundMsg struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

// OutboundMsg is a chat message relayed to other clients.
type OutboundMsg struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// ParseInbound decodes raw WebSocket bytes into an InboundMsg. The frame must
// be a JSON object with a non-empty string roomId and a string text.
func ParseInbound(data []byte) (InboundMsg, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return InboundMsg{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg InboundMsg
	if err := decodeString(fields, "roomId", &msg.RoomID); err != nil {
		return InboundMsg{}, err
	}
	if err := decodeString(fields, "text", &msg.Text); err != nil {
		return InboundMsg{}, err
	}
	if msg.RoomID == "" {
		return InboundMsg{}, fmt.Errorf("%w: empty \"roomId\" field", ErrMalformed)
	}
	return msg, nil
}

func decodeString(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: missing %q field", ErrMalformed, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %q is not a string", ErrMalformed, key)
	}
	return nil
}

// EncodeOutbound returns the JSON frame for a relayed message.
func EncodeOutbound(msg OutboundMsg) ([]byte, error) {
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal outbound message: %w", err)
	}
	return out, nil
}
