package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log"

	"github.com/gofiber/websocket/v2"

	"github.com/lumachat/sync-engine/internal/cache"
	"github.com/lumachat/sync-engine/internal/repository"
	enginesync "github.com/lumachat/sync-engine/internal/sync"
	"github.com/lumachat/sync-engine/internal/transport"
)

// Gateway attaches WebSocket clients to the sync engine: one notification
// reducer per connected user plus one conversation session per open view,
// with snapshot streams pushed back down the socket.
type Gateway struct {
	hub           *Hub
	conversations repository.ConversationRepositoryInterface
	messages      repository.MessageRepositoryInterface
	notifications repository.NotificationRepositoryInterface
	blobs         enginesync.BlobUploader
	subs          *enginesync.SubscriptionManager
	cache         *cache.ConversationCache
}

func New(
	conversations repository.ConversationRepositoryInterface,
	messages repository.MessageRepositoryInterface,
	notifications repository.NotificationRepositoryInterface,
	blobs enginesync.BlobUploader,
	subs *enginesync.SubscriptionManager,
	cc *cache.ConversationCache,
) *Gateway {
	return &Gateway{
		hub:           NewHub(),
		conversations: conversations,
		messages:      messages,
		notifications: notifications,
		blobs:         blobs,
		subs:          subs,
		cache:         cc,
	}
}

// GetHub returns the hub instance (useful for status endpoints)
func (g *Gateway) GetHub() *Hub {
	return g.hub
}

// HandleWebSocket runs one client's attach loop until the socket drops.
func (g *Gateway) HandleWebSocket(c *websocket.Conn) {
	userID, ok := c.Locals("userID").(uint)
	if !ok || userID == 0 {
		log.Printf("Rejecting WebSocket attach without user identity")
		return
	}

	ctx := context.Background()
	client := g.hub.Register(userID, c)

	reducer := enginesync.NewNotificationReducer(userID, g.notifications)
	reducer.OnChange(func() {
		g.hub.SendToUser(userID, NotificationsFrame{
			Type:        "notifications",
			UnreadCount: reducer.UnreadCount(),
			Items:       reducer.List(),
		})
	})
	if err := reducer.Resync(ctx); err != nil {
		log.Printf("Failed to seed notifications for user %d: %v", userID, err)
	}
	notifHandle := g.subs.Subscribe(transport.UserTopic(userID), reducer.Handle(ctx))

	sessions := make(map[uint]*enginesync.ConversationSession)

	defer func() {
		g.subs.Unsubscribe(notifHandle)
		for _, sess := range sessions {
			sess.Close()
		}
		if err := g.cache.InvalidateUnreadCounts(userID); err != nil {
			log.Printf("Failed to drop unread cache for user %d: %v", userID, err)
		}
		g.hub.UnregisterClient(client)
	}()

	g.sendInit(ctx, userID, reducer)

	log.Printf("User %d attached to sync gateway", userID)

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			log.Printf("Error reading frame from user %d: %v", userID, err)
			break
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("Error decoding frame from user %d: %v", userID, err)
			g.sendError(userID, "invalid_frame", "Invalid frame format", err.Error())
			continue
		}

		if err := g.dispatch(ctx, userID, frame, sessions, reducer); err != nil {
			log.Printf("Error processing %s frame from user %d: %v", frame.Type, userID, err)
			g.sendError(userID, "processing_failed", "Failed to process frame", err.Error())
		}
	}

	log.Printf("User %d detached from sync gateway", userID)
}

func (g *Gateway) dispatch(ctx context.Context, userID uint, frame Frame, sessions map[uint]*enginesync.ConversationSession, reducer *enginesync.NotificationReducer) error {
	switch frame.Type {
	case "open":
		var p OpenPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		return g.openConversation(ctx, userID, p.PeerID, sessions)

	case "send":
		var p SendPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		sess, ok := sessions[p.ConversationID]
		if !ok {
			g.sendError(userID, "not_open", "Conversation is not open", "")
			return nil
		}
		att, err := decodeMedia(p.Media)
		if err != nil {
			return err
		}
		token, err := sess.Send(p.Content, att)
		if err != nil {
			return err
		}
		return g.hub.SendToUser(userID, SentFrame{
			Type:           "sent",
			ConversationID: p.ConversationID,
			ClientToken:    token,
		})

	case "mark_read":
		var p MarkReadPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		if sess, ok := sessions[p.ConversationID]; ok {
			sess.MarkRead(p.MessageIDs)
		}
		return nil

	case "foreground":
		var p ForegroundPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		if sess, ok := sessions[p.ConversationID]; ok {
			sess.SetForeground(p.Foreground)
		}
		return nil

	case "retry":
		var p RetryPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		if sess, ok := sessions[p.ConversationID]; ok {
			sess.Retry(p.ClientToken)
		}
		return nil

	case "close":
		var p ClosePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		if sess, ok := sessions[p.ConversationID]; ok {
			sess.Close()
			delete(sessions, p.ConversationID)
		}
		return nil

	case "notification_read":
		var p NotificationReadPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		reducer.MarkRead(ctx, p.ID)
		return nil

	case "notifications_read_all":
		reducer.MarkAllRead(ctx)
		return nil

	case "notifications_clear":
		reducer.ClearAll(ctx)
		return nil

	default:
		g.sendError(userID, "unknown_frame", "Unknown frame type: "+frame.Type, "")
		return nil
	}
}

func (g *Gateway) openConversation(ctx context.Context, userID, peerID uint, sessions map[uint]*enginesync.ConversationSession) error {
	conv, err := g.conversations.FindOrCreateByParticipants(ctx, userID, peerID)
	if err != nil {
		return err
	}

	if existing, ok := sessions[conv.ID]; ok {
		existing.SetForeground(true)
		return g.hub.SendToUser(userID, OpenedFrame{
			Type:           "opened",
			ConversationID: conv.ID,
			PeerID:         conv.Peer(userID),
		})
	}

	sess := enginesync.NewConversationSession(userID, *conv, g.messages, g.blobs, g.subs, g.cache)
	if err := sess.Open(ctx); err != nil {
		return err
	}
	sessions[conv.ID] = sess

	go g.pumpSnapshots(userID, conv.Peer(userID), sess)

	return g.hub.SendToUser(userID, OpenedFrame{
		Type:           "opened",
		ConversationID: conv.ID,
		PeerID:         conv.Peer(userID),
	})
}

func (g *Gateway) pumpSnapshots(userID, peerID uint, sess *enginesync.ConversationSession) {
	topic := transport.ConversationTopic(sess.ConversationID())
	for {
		select {
		case snap := <-sess.Snapshots():
			g.hub.SendToUser(userID, ConversationFrame{
				Type:           "conversation",
				ConversationID: sess.ConversationID(),
				PeerID:         peerID,
				Live:           g.subs.IsLive(topic),
				Unread:         sess.Unread(),
				Messages:       snap,
			})
		case <-sess.Done():
			return
		}
	}
}

func (g *Gateway) sendInit(ctx context.Context, userID uint, reducer *enginesync.NotificationReducer) {
	rows, err := g.conversations.ListForUser(ctx, userID, 0)
	if err != nil {
		log.Printf("Failed to list conversations for user %d: %v", userID, err)
		rows = nil
	}
	// A live session's cached count is ahead of the window query: receipt
	// writes are async, so prefer the cache when it has an entry.
	for i := range rows {
		if count, ok := g.cache.GetUnreadCount(userID, rows[i].ConversationID); ok {
			rows[i].UnreadCount = int64(count)
		}
	}
	g.hub.SendToUser(userID, InitFrame{
		Type:          "init",
		Conversations: rows,
		Notifications: reducer.List(),
		UnreadCount:   reducer.UnreadCount(),
	})
}

func (g *Gateway) sendError(userID uint, code, message, details string) {
	g.hub.SendToUser(userID, ErrorFrame{
		Type:    "error",
		Code:    code,
		Error:   message,
		Details: details,
	})
}

func decodeMedia(p *MediaPayload) (*enginesync.Attachment, error) {
	if p == nil {
		return nil, nil
	}
	body, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, err
	}
	return &enginesync.Attachment{
		Type:        p.Type,
		Filename:    p.Filename,
		ContentType: p.ContentType,
		Size:        int64(len(body)),
		Data:        bytes.NewReader(body),
	}, nil
}
