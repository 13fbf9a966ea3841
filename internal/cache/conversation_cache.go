package cache

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lumachat/sync-engine/internal/models"
)

// TTL constants for different cache types
const (
	HistoryTTL     = 5 * time.Minute
	UnreadCountTTL = 1 * time.Minute
)

// KV is the byte store behind the conversation cache. *RedisCache satisfies
// it; tests substitute an in-memory map.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	DeletePattern(pattern string) error
}

// ConversationCache holds recent message history so Open can skip the store
// on a warm path, plus per-user unread counts maintained by live sessions.
// Entries are invalidated on every reconciled write; a stale read is still
// corrected by the next push event or resync.
type ConversationCache struct {
	kv KV
}

func NewConversationCache(kv KV) *ConversationCache {
	return &ConversationCache{kv: kv}
}

func historyKey(conversationID uint) string {
	return fmt.Sprintf("conv:%d:history", conversationID)
}

func unreadKey(userID, conversationID uint) string {
	return fmt.Sprintf("unread:%d:%d", userID, conversationID)
}

// GetHistory retrieves cached message history for a conversation
func (cc *ConversationCache) GetHistory(conversationID uint) ([]models.Message, bool) {
	if cc == nil || cc.kv == nil {
		return nil, false
	}
	data, err := cc.kv.Get(historyKey(conversationID))
	if err != nil || data == nil {
		return nil, false
	}

	var messages []models.Message
	if err := msgpack.Unmarshal(data, &messages); err != nil {
		return nil, false
	}
	return messages, true
}

// SetHistory caches message history for a conversation
func (cc *ConversationCache) SetHistory(conversationID uint, messages []models.Message) error {
	if cc == nil || cc.kv == nil {
		return nil
	}
	data, err := msgpack.Marshal(messages)
	if err != nil {
		return err
	}
	return cc.kv.Set(historyKey(conversationID), data, HistoryTTL)
}

// InvalidateHistory removes a conversation's history from cache
func (cc *ConversationCache) InvalidateHistory(conversationID uint) error {
	if cc == nil || cc.kv == nil {
		return nil
	}
	return cc.kv.Delete(historyKey(conversationID))
}

// GetUnreadCount retrieves a cached unread count
func (cc *ConversationCache) GetUnreadCount(userID, conversationID uint) (int, bool) {
	if cc == nil || cc.kv == nil {
		return 0, false
	}
	data, err := cc.kv.Get(unreadKey(userID, conversationID))
	if err != nil || data == nil {
		return 0, false
	}

	var count int
	if err := msgpack.Unmarshal(data, &count); err != nil {
		return 0, false
	}
	return count, true
}

// SetUnreadCount caches an unread count
func (cc *ConversationCache) SetUnreadCount(userID, conversationID uint, count int) error {
	if cc == nil || cc.kv == nil {
		return nil
	}
	data, err := msgpack.Marshal(count)
	if err != nil {
		return err
	}
	return cc.kv.Set(unreadKey(userID, conversationID), data, UnreadCountTTL)
}

// InvalidateUnreadCount removes a cached unread count
func (cc *ConversationCache) InvalidateUnreadCount(userID, conversationID uint) error {
	if cc == nil || cc.kv == nil {
		return nil
	}
	return cc.kv.Delete(unreadKey(userID, conversationID))
}

// InvalidateUnreadCounts drops every cached unread count for the user, used
// when the user detaches so the next attach recomputes fresh counts.
func (cc *ConversationCache) InvalidateUnreadCounts(userID uint) error {
	if cc == nil || cc.kv == nil {
		return nil
	}
	return cc.kv.DeletePattern(fmt.Sprintf("unread:%d:*", userID))
}
