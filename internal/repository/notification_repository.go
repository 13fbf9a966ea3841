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

type NotificationRepository struct {
	db        *gorm.DB
	publisher transport.PushTransport // nil disables write-through publishing
}

func NewNotificationRepository(db *gorm.DB, publisher transport.PushTransport) *NotificationRepository {
	return &NotificationRepository{db: db, publisher: publisher}
}

// Create persists a notification and fans it out on the owning user's topic.
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, store.Classify("notification.create", err)
	}

	var canonical models.Notification
	if err := r.db.WithContext(ctx).First(&canonical, n.ID).Error; err != nil {
		return nil, store.Classify("notification.find", err)
	}

	r.publish(ctx, transport.OpInsert, &canonical)
	return &canonical, nil
}

// ListForUser returns the user's notifications, newest first.
func (r *NotificationRepository) ListForUser(ctx context.Context, userID uint, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []models.Notification
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, store.Classify("notification.list", err)
	}
	return items, nil
}

// MarkRead flips is_read for the given ids owned by userID. Only rows that
// are actually unread are touched, so re-marking is a no-op write.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID uint, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND id IN ? AND is_read = ?", userID, ids, false).
		Updates(map[string]interface{}{
			"is_read": true,
			"read_at": now,
		})
	if res.Error != nil {
		return 0, store.Classify("notification.mark_read", res.Error)
	}

	if res.RowsAffected > 0 && r.publisher != nil {
		var updated []models.Notification
		if err := r.db.WithContext(ctx).Where("user_id = ? AND id IN ?", userID, ids).Find(&updated).Error; err == nil {
			for i := range updated {
				r.publish(ctx, transport.OpUpdate, &updated[i])
			}
		}
	}
	return res.RowsAffected, nil
}

// DeleteForUser bulk-deletes all of the owner's notifications.
func (r *NotificationRepository) DeleteForUser(ctx context.Context, userID uint) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.Notification{}).Error
	if err != nil {
		return store.Classify("notification.delete", err)
	}
	return nil
}

func (r *NotificationRepository) publish(ctx context.Context, op transport.Op, n *models.Notification) {
	if r.publisher == nil {
		return
	}
	ev, err := transport.EncodeNotification(op, n)
	if err != nil {
		log.Printf("repository: encode notification %d for publish: %v", n.ID, err)
		return
	}
	topic := transport.UserTopic(n.UserID)
	if err := r.publisher.Publish(ctx, topic, ev); err != nil {
		log.Printf("repository: publish notification %d to %s: %v", n.ID, topic, err)
	}
}
