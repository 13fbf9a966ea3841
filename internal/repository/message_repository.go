package repository

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/lumachat/sync-engine/internal/models"
	"github.com/lumachat/sync-engine/internal/store"
	"github.com/lumachat/sync-engine/internal/transport"
)

type MessageRepository struct {
	db        *gorm.DB
	publisher transport.PushTransport // nil disables write-through publishing
}

func NewMessageRepository(db *gorm.DB, publisher transport.PushTransport) *MessageRepository {
	return &MessageRepository{db: db, publisher: publisher}
}

// Create persists a message and returns the canonical row with the
// store-assigned id and created_at. The insert bumps the parent
// conversation's last_activity_at (kept monotonic via the WHERE guard) and
// fans the row out on the conversation topic.
func (r *MessageRepository) Create(ctx context.Context, message *models.Message) (*models.Message, error) {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return nil, store.Classify("message.create", err)
	}

	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND last_activity_at < ?", message.ConversationID, message.CreatedAt).
		Update("last_activity_at", message.CreatedAt).Error
	if err != nil {
		log.Printf("repository: failed to bump conversation %d activity: %v", message.ConversationID, err)
	}

	canonical, err := r.FindByID(ctx, message.ID)
	if err != nil {
		return nil, err
	}

	r.publish(ctx, transport.ConversationTopic(canonical.ConversationID), transport.OpInsert, canonical)
	return canonical, nil
}

func (r *MessageRepository) FindByID(ctx context.Context, id uint) (*models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return nil, store.Classify("message.find", err)
	}
	return &message, nil
}

func (r *MessageRepository) FindByClientToken(ctx context.Context, token string, senderID uint) (*models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Where("client_token = ? AND sender_id = ?", token, senderID).
		First(&message).Error
	if err != nil {
		return nil, store.Classify("message.find_by_token", err)
	}
	return &message, nil
}

// FindByConversation returns the full ordered history for a conversation.
// created_at is authoritative for ordering; id breaks ties.
func (r *MessageRepository) FindByConversation(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	var messages []models.Message
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, store.Classify("message.list", err)
	}
	return messages, nil
}

// MarkRead flips is_read for the given ids, scoped to messages NOT authored
// by readerID so a caller can never mark its own messages read. Updated rows
// are re-published as update events so the sender's session sees the receipt.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID uint, ids []uint, readerID uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND id IN ? AND sender_id <> ? AND is_read = ?", conversationID, ids, readerID, false).
		Updates(map[string]interface{}{
			"is_read": true,
			"read_at": now,
			"status":  models.StatusRead,
		})
	if res.Error != nil {
		return 0, store.Classify("message.mark_read", res.Error)
	}

	if res.RowsAffected > 0 && r.publisher != nil {
		var updated []models.Message
		if err := r.db.WithContext(ctx).Where("conversation_id = ? AND id IN ?", conversationID, ids).Find(&updated).Error; err == nil {
			for i := range updated {
				r.publish(ctx, transport.ConversationTopic(conversationID), transport.OpUpdate, &updated[i])
			}
		}
	}
	return res.RowsAffected, nil
}

// MarkDelivered advances a message to delivered once the recipient's push
// echo round-trips. The guarded WHERE keeps the ladder monotonic; the
// updated row is re-published so the sender's session sees the hop.
func (r *MessageRepository) MarkDelivered(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status IN ?", id, []models.MessageStatus{models.StatusPending, models.StatusSent}).
		Update("status", models.StatusDelivered)
	if res.Error != nil {
		return store.Classify("message.mark_delivered", res.Error)
	}
	if res.RowsAffected > 0 && r.publisher != nil {
		if updated, err := r.FindByID(ctx, id); err == nil {
			r.publish(ctx, transport.ConversationTopic(updated.ConversationID), transport.OpUpdate, updated)
		}
	}
	return nil
}

func (r *MessageRepository) publish(ctx context.Context, topic string, op transport.Op, m *models.Message) {
	if r.publisher == nil {
		return
	}
	ev, err := transport.EncodeMessage(op, m)
	if err != nil {
		log.Printf("repository: encode message %d for publish: %v", m.ID, err)
		return
	}
	if err := r.publisher.Publish(ctx, topic, ev); err != nil {
		log.Printf("repository: publish message %d to %s: %v", m.ID, topic, err)
	}
}
