package repository

import (
	"context"

	"github.com/lumachat/sync-engine/internal/models"
)

// ConversationRepositoryInterface defines the contract for conversation store operations
type ConversationRepositoryInterface interface {
	FindOrCreateByParticipants(ctx context.Context, userID1, userID2 uint) (*models.Conversation, error)
	FindByID(ctx context.Context, id uint) (*models.Conversation, error)
	ListForUser(ctx context.Context, userID uint, limit int) ([]ConversationRow, error)
}

// MessageRepositoryInterface defines the contract for message store operations
type MessageRepositoryInterface interface {
	Create(ctx context.Context, message *models.Message) (*models.Message, error)
	FindByID(ctx context.Context, id uint) (*models.Message, error)
	FindByClientToken(ctx context.Context, token string, senderID uint) (*models.Message, error)
	FindByConversation(ctx context.Context, conversationID uint, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID uint, ids []uint, readerID uint) (int64, error)
	MarkDelivered(ctx context.Context, id uint) error
}

// NotificationRepositoryInterface defines the contract for notification store operations
type NotificationRepositoryInterface interface {
	Create(ctx context.Context, n *models.Notification) (*models.Notification, error)
	ListForUser(ctx context.Context, userID uint, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID uint, ids []uint) (int64, error)
	DeleteForUser(ctx context.Context, userID uint) error
}
