package gateway

import (
	"encoding/json"

	"chatgate/internal/models"
)

// Inbound event types.
const (
	EventSendMessage        = "send-message"
	EventPlaceBid           = "place-bid"
	EventAdminDeleteMessage = "admin-delete-message"
	EventAdminMuteUser      = "admin-mute-user"
	EventAdminExportHistory = "admin-export-history"
)

// Outbound event types produced by the gateway. The hub owns chat-history,
// new-message, presence and messages-dropped.
const (
	EventMessageDeleted = "message-deleted"
	EventUserMuted      = "user-muted"
	EventError          = "error"
	EventWarning        = "warning"
	EventHistoryExport  = "history-export"
	EventAdminAck       = "admin-ack"
	EventBidLevel       = "bid-level"
)

const (
	msgMalformed   = "malformed event"
	msgUnsupported = "unsupported event"
	msgNotAllowed  = "not authorized"
)

// inboundFrame is the envelope of a client event. Data is decoded once the
// type is known.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sendMessageData struct {
	SenderAddress string `json:"senderAddress"`
	DisplayName   string `json:"displayName"`
	Text          string `json:"text"`
	IsAdmin       bool   `json:"isAdmin"`
}

type placeBidData struct {
	SenderAddress string `json:"senderAddress"`
}

type deleteMessageData struct {
	MessageID    string `json:"messageId"`
	AdminAddress string `json:"adminAddress"`
}

type muteUserData struct {
	SenderAddress   string  `json:"senderAddress"`
	DurationMinutes float64 `json:"durationMinutes"`
	AdminAddress    string  `json:"adminAddress"`
	Reason          string  `json:"reason"`
}

type exportHistoryData struct {
	AdminAddress string `json:"adminAddress"`
}

// MessageDeleted is the body of a message-deleted event.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

// UserMuted is the body of a user-muted event.
type UserMuted struct {
	SenderAddress   string `json:"senderAddress"`
	DurationSeconds int64  `json:"durationSeconds"`
}

// Notice is the body of error and warning events.
type Notice struct {
	Message string `json:"message"`
}

// AdminAck confirms a completed admin command to the issuing admin only.
type AdminAck struct {
	Action        string `json:"action"`
	MessageID     string `json:"messageId,omitempty"`
	SenderAddress string `json:"senderAddress,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// HistoryExport carries the exported messages, oldest first.
type HistoryExport struct {
	Messages []*models.ChatMessage `json:"messages"`
	Count    int                   `json:"count"`
}

// BidLevel reports a sender's bid count and badge level.
type BidLevel struct {
	SenderAddress string `json:"senderAddress"`
	BidCount      int    `json:"bidCount"`
	Level         int    `json:"level"`
}
