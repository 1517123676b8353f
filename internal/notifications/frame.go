package notifications

import (
	"encoding/json"
	"fmt"
)

// Outbound frame types the hub produces itself.
const (
	TypeChatHistory     = "chat-history"
	TypeNewMessage      = "new-message"
	TypeError           = "error"
	TypePresence        = "presence"
	TypeMessagesDropped = "messages-dropped"
)

// Frame is the JSON envelope of every websocket message in both directions.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ErrorData is the body of an error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// PresenceData is the body of a presence frame.
type PresenceData struct {
	Count int `json:"count"`
}

var droppedNotice = mustEncode(Frame{
	Type: TypeMessagesDropped,
	Data: map[string]string{"reason": "buffer_full"},
})

// Encode marshals a frame.
func Encode(frameType string, data any) ([]byte, error) {
	payload, err := json.Marshal(Frame{Type: frameType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return payload, nil
}

func mustEncode(f Frame) []byte {
	payload, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return payload
}
