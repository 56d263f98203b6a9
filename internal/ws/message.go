package ws

import "github.com/groupchat/internal/model"

type EventType string

const (
	// Inbound events.
	EventSendMessage EventType = "send_message"
	EventMarkRead    EventType = "mark_read"

	// Outbound events.
	EventNewMessage      EventType = "new_message"
	EventPresenceChanged EventType = "presence_changed"
	EventReadReceipt     EventType = "read_receipt"
	EventError           EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type        EventType          `json:"type"`
	GroupID     string             `json:"group_id,omitempty"`
	Text        string             `json:"text,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`

	// For mark_read.
	MessageID string `json:"message_id,omitempty"`
}

// OutgoingMessage is what the server sends to the client. Payload uses typed
// structs to avoid heap-heavy map[string]any; new_message carries the
// *model.Message itself.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// PresenceChangedPayload is broadcast to a user's group peers when the user
// comes online or the last of their connections goes away.
type PresenceChangedPayload struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

// ReadReceiptPayload is broadcast when a user first reads a message.
type ReadReceiptPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// ErrorPayload is sent to the offending client only.
type ErrorPayload struct {
	Message string `json:"message"`
}

func errorEvent(msg string) OutgoingMessage {
	return OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: msg}}
}
