package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/lumachat/sync-engine/internal/models"
)

// TestHelper provides utility functions for tests
type TestHelper struct {
	t *testing.T
}

func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// CreateTestConversation creates a test conversation with default values
func (h *TestHelper) CreateTestConversation(id, userA, userB uint) *models.Conversation {
	if id == 0 {
		id = 1
	}
	a, b := models.NormalizeParticipants(userA, userB)
	now := time.Now().UTC()
	return &models.Conversation{
		ID:             id,
		ParticipantA:   a,
		ParticipantB:   b,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CreateTestMessage creates a test message with default values
func (h *TestHelper) CreateTestMessage(id uint, conversationID uint, senderID uint, content string) *models.Message {
	if id == 0 {
		id = 1
	}
	if conversationID == 0 {
		conversationID = 1
	}
	if senderID == 0 {
		senderID = 1
	}
	if content == "" {
		content = "Test message"
	}

	created := time.Unix(1700000000, 0).UTC().Add(time.Duration(id) * time.Second)
	return &models.Message{
		ID:             id,
		ClientToken:    fmt.Sprintf("token-%d", id),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Status:         models.StatusSent,
		IsRead:         false,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

// CreateTestNotification creates a test notification with default values
func (h *TestHelper) CreateTestNotification(id uint, userID uint, isRead bool) *models.Notification {
	if id == 0 {
		id = 1
	}
	if userID == 0 {
		userID = 1
	}

	created := time.Unix(1700000000, 0).UTC().Add(time.Duration(id) * time.Minute)
	return &models.Notification{
		ID:        id,
		UserID:    userID,
		Type:      models.NotificationMessage,
		ActorID:   99,
		Content:   fmt.Sprintf("Test notification %d", id),
		IsRead:    isRead,
		CreatedAt: created,
		UpdatedAt: created,
	}
}
