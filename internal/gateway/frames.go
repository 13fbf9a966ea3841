package gateway

import (
	"encoding/json"

	"github.com/lumachat/sync-engine/internal/models"
	"github.com/lumachat/sync-engine/internal/repository"
)

// Frame is the wire envelope for both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> server payloads.

type OpenPayload struct {
	PeerID uint `json:"peer_id"`
}

type SendPayload struct {
	ConversationID uint   `json:"conversation_id"`
	Content        string `json:"content"`
	// Optional single attachment, base64 body.
	Media *MediaPayload `json:"media,omitempty"`
}

type MediaPayload struct {
	Type        models.MediaType `json:"type"`
	Filename    string           `json:"filename"`
	ContentType string           `json:"content_type"`
	Data        string           `json:"data"`
}

type MarkReadPayload struct {
	ConversationID uint   `json:"conversation_id"`
	MessageIDs     []uint `json:"message_ids"`
}

type ForegroundPayload struct {
	ConversationID uint `json:"conversation_id"`
	Foreground     bool `json:"foreground"`
}

type RetryPayload struct {
	ConversationID uint   `json:"conversation_id"`
	ClientToken    string `json:"client_token"`
}

type ClosePayload struct {
	ConversationID uint `json:"conversation_id"`
}

type NotificationReadPayload struct {
	ID uint `json:"id"`
}

// Server -> client frames.

type InitFrame struct {
	Type          string                       `json:"type"`
	Conversations []repository.ConversationRow `json:"conversations"`
	Notifications []models.Notification        `json:"notifications"`
	UnreadCount   int                          `json:"unread_count"`
}

type ConversationFrame struct {
	Type           string               `json:"type"`
	ConversationID uint                 `json:"conversation_id"`
	PeerID         uint                 `json:"peer_id"`
	Live           bool                 `json:"live"`
	Unread         int                  `json:"unread"`
	Messages       []models.MessageView `json:"messages"`
}

type NotificationsFrame struct {
	Type        string                `json:"type"`
	UnreadCount int                   `json:"unread_count"`
	Items       []models.Notification `json:"items"`
}

type OpenedFrame struct {
	Type           string `json:"type"`
	ConversationID uint   `json:"conversation_id"`
	PeerID         uint   `json:"peer_id"`
}

type SentFrame struct {
	Type           string `json:"type"`
	ConversationID uint   `json:"conversation_id"`
	ClientToken    string `json:"client_token"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
