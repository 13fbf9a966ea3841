package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/lumachat/sync-engine/internal/models"
	"github.com/lumachat/sync-engine/internal/store"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// FindOrCreateByParticipants returns the conversation for the (unordered)
// participant pair, creating it if this is the first message between them.
// The pair is normalized so the unique index makes creation race-safe: a
// concurrent create loses to the index and falls back to the existing row.
func (r *ConversationRepository) FindOrCreateByParticipants(ctx context.Context, userID1, userID2 uint) (*models.Conversation, error) {
	a, b := models.NormalizeParticipants(userID1, userID2)

	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("participant_a = ? AND participant_b = ?", a, b).
		First(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.Classify("conversation.find", err)
	}

	conv = models.Conversation{
		ParticipantA:   a,
		ParticipantB:   b,
		LastActivityAt: time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race; the other writer's row is canonical.
			var existing models.Conversation
			ferr := r.db.WithContext(ctx).
				Where("participant_a = ? AND participant_b = ?", a, b).
				First(&existing).Error
			if ferr != nil {
				return nil, store.Classify("conversation.find", ferr)
			}
			return &existing, nil
		}
		return nil, store.Classify("conversation.create", err)
	}
	return &conv, nil
}

func (r *ConversationRepository) FindByID(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		return nil, store.Classify("conversation.find", err)
	}
	return &conv, nil
}

// ConversationRow is a denormalized listing row: one row per conversation the
// user participates in, with the last message and the user's unread count.
type ConversationRow struct {
	ConversationID uint      `gorm:"column:conversation_id"`
	PeerID         uint      `gorm:"column:peer_id"`
	LastActivityAt time.Time `gorm:"column:last_activity_at"`
	UnreadCount    int64     `gorm:"column:unread_count"`

	MessageID       uint      `gorm:"column:message_id"`
	MessageSenderID uint      `gorm:"column:message_sender_id"`
	MessageContent  string    `gorm:"column:message_content"`
	MessageStatus   string    `gorm:"column:message_status"`
	MessageIsRead   bool      `gorm:"column:message_is_read"`
	MessageCreated  time.Time `gorm:"column:message_created_at"`
}

// ListForUser returns the user's conversations ordered by last activity,
// newest first. Single query, no N+1: a window function picks the latest
// message per conversation and a filtered count computes unread per row.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID uint, limit int) ([]ConversationRow, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	query := strings.TrimSpace(`
WITH ranked AS (
	SELECT
		m.conversation_id,
		m.id AS message_id,
		m.sender_id AS message_sender_id,
		m.content AS message_content,
		m.status AS message_status,
		m.is_read AS message_is_read,
		m.created_at AS message_created_at,
		ROW_NUMBER() OVER (
			PARTITION BY m.conversation_id
			ORDER BY m.created_at DESC, m.id DESC
		) AS rn,
		COUNT(*) FILTER (
			WHERE m.sender_id <> ? AND m.is_read = false
		) OVER (PARTITION BY m.conversation_id) AS unread_count
	FROM messages m
)
SELECT
	c.id AS conversation_id,
	CASE WHEN c.participant_a = ? THEN c.participant_b ELSE c.participant_a END AS peer_id,
	c.last_activity_at,
	t.unread_count,
	t.message_id,
	t.message_sender_id,
	t.message_content,
	t.message_status,
	t.message_is_read,
	t.message_created_at
FROM conversations c
JOIN ranked t ON t.conversation_id = c.id AND t.rn = 1
WHERE c.participant_a = ? OR c.participant_b = ?
ORDER BY c.last_activity_at DESC, c.id DESC
LIMIT ?`)

	var rows []ConversationRow
	err := r.db.WithContext(ctx).
		Raw(query, userID, userID, userID, userID, limit).
		Scan(&rows).Error
	if err != nil {
		return nil, store.Classify("conversation.list", err)
	}
	return rows, nil
}
