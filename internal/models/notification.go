package models

import (
	"time"
)

type NotificationType string

const (
	NotificationConnection NotificationType = "connection_request"
	NotificationMessage    NotificationType = "message"
	NotificationReaction   NotificationType = "reaction"
	NotificationComment    NotificationType = "comment"
	NotificationSystem     NotificationType = "system"
)

// Notification is visible only to its owning user. Rows are immutable except
// for the read flag (monotonic false -> true) and may be bulk-deleted by the
// owner.
type Notification struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uint             `gorm:"not null;index" json:"user_id"`
	Type   NotificationType `gorm:"type:varchar(30);not null" json:"type"`

	ActorID uint   `json:"actor_id,omitempty"`
	Content string `gorm:"type:text" json:"content"`
	// Optional deep-link reference, e.g. "conversation:42".
	Ref string `gorm:"type:varchar(64)" json:"ref,omitempty"`

	IsRead bool       `gorm:"default:false;index" json:"is_read"`
	ReadAt *time.Time `json:"read_at,omitempty"`
}
