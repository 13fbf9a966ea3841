package models

import (
	"time"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
	MediaFile  MediaType = "file"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders the delivery ladder so transitions stay monotonic.
// StatusFailed is terminal for an unconfirmed send and sits outside the ladder.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusAdvances reports whether moving from to next is a forward transition.
func StatusAdvances(from, next MessageStatus) bool {
	if next == StatusFailed {
		return from == StatusPending
	}
	return statusRank[next] > statusRank[from]
}

type Message struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Client-generated idempotency key. The unique index makes a retried
	// insert of the same optimistic send a conflict instead of a duplicate.
	ClientToken string `gorm:"type:varchar(36);uniqueIndex:idx_token_sender;not null" json:"client_token"`

	ConversationID uint `gorm:"not null;index:idx_msg_conv_created" json:"conversation_id"`
	SenderID       uint `gorm:"not null;uniqueIndex:idx_token_sender;index" json:"sender_id"`

	// Content may be empty when a media reference is present.
	Content string `gorm:"type:text" json:"content"`

	// Optional single media reference.
	MediaType     MediaType `gorm:"type:varchar(20)" json:"media_type,omitempty"`
	MediaURL      string    `gorm:"type:text" json:"media_url,omitempty"`
	MediaSize     int64     `json:"media_size,omitempty"`
	MediaFilename string    `json:"media_filename,omitempty"`

	Status MessageStatus `gorm:"type:varchar(20);default:'sent';index" json:"status"`

	// Monotonic false -> true only.
	IsRead bool       `gorm:"default:false" json:"is_read"`
	ReadAt *time.Time `json:"read_at,omitempty"`
}

// HasMedia reports whether the message carries a media reference.
func (m *Message) HasMedia() bool {
	return m.MediaType != "" && m.MediaURL != ""
}

// MessageView is the snapshot shape handed to consumers of a session.
// ClientToken is only present while the entry is still optimistic.
type MessageView struct {
	ID             uint          `json:"id,omitempty"`
	ClientToken    string        `json:"client_token,omitempty"`
	ConversationID uint          `json:"conversation_id"`
	SenderID       uint          `json:"sender_id"`
	Content        string        `json:"content"`
	MediaType      MediaType     `json:"media_type,omitempty"`
	MediaURL       string        `json:"media_url,omitempty"`
	MediaSize      int64         `json:"media_size,omitempty"`
	MediaFilename  string        `json:"media_filename,omitempty"`
	Status         MessageStatus `json:"status"`
	IsRead         bool          `json:"is_read"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (m *Message) ToView() MessageView {
	return MessageView{
		ID:             m.ID,
		ClientToken:    m.ClientToken,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MediaType:      m.MediaType,
		MediaURL:       m.MediaURL,
		MediaSize:      m.MediaSize,
		MediaFilename:  m.MediaFilename,
		Status:         m.Status,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
	}
}

// Before orders messages by created_at with ties broken by id.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
