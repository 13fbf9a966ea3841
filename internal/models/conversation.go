package models

import (
	"time"
)

// Conversation is a direct conversation between exactly two participants.
// Identity is the unordered participant pair; we normalize the pair so the
// smaller user ID is always ParticipantA, which lets a unique index enforce
// one conversation per pair. Rows are never hard-deleted.
type Conversation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ParticipantA uint `gorm:"not null;uniqueIndex:idx_conv_participants" json:"participant_a"`
	ParticipantB uint `gorm:"not null;uniqueIndex:idx_conv_participants" json:"participant_b"`

	// Monotonically non-decreasing; bumped on every message insert.
	LastActivityAt time.Time `gorm:"not null;index" json:"last_activity_at"`
}

// NormalizeParticipants returns the pair in canonical (smaller-first) order.
func NormalizeParticipants(userID1, userID2 uint) (uint, uint) {
	if userID1 > userID2 {
		return userID2, userID1
	}
	return userID1, userID2
}

// Peer returns the other participant of the conversation.
func (c *Conversation) Peer(userID uint) uint {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID uint) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}
