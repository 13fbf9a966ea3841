package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumachat/sync-engine/internal/cache"
	"github.com/lumachat/sync-engine/internal/models"
	"github.com/lumachat/sync-engine/internal/repository"
	"github.com/lumachat/sync-engine/internal/store"
	"github.com/lumachat/sync-engine/internal/transport"
)

type SessionState int32

const (
	StateLoading SessionState = iota
	StateReady
	StateSending
	StateClosed
)

var ErrSessionClosed = errors.New("sync: session closed")

// Attachment is the input for a media send. Data is consumed once during
// the upload. The store's data model carries one media reference per
// message; a caller with several attachments issues consecutive sends.
type Attachment struct {
	Type        models.MediaType
	Filename    string
	ContentType string
	Size        int64
	Data        io.Reader
}

// BlobUploader is the store client's blob interface consumed by the send
// pipeline.
type BlobUploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// ConversationSession orchestrates one open conversation: ordered message
// buffer, optimistic send pipeline, read-receipt propagation, and
// reconciliation against push events. One session is the single logical
// owner of its buffer; all mutation goes through the documented operations.
type ConversationSession struct {
	userID uint
	peerID uint
	conv   models.Conversation

	messages repository.MessageRepositoryInterface
	blobs    BlobUploader
	subs     *SubscriptionManager
	cache    *cache.ConversationCache // nil disables snapshot caching

	mu           sync.Mutex
	tracker      *DeliveryTracker
	state        SessionState
	foreground   bool
	pendingSends int

	snapshots chan []models.MessageView
	signals   chan Signal
	writes    chan func(context.Context)
	done      chan struct{}
	closeOnce sync.Once
	handle    *Handle

	writeCtx    context.Context
	writeCancel context.CancelFunc

	// Tunables; defaults match the hub's retry behavior.
	sendRetries   int
	sendRetryBase time.Duration
	tokenTTL      time.Duration
}

func NewConversationSession(
	userID uint,
	conv models.Conversation,
	messages repository.MessageRepositoryInterface,
	blobs BlobUploader,
	subs *SubscriptionManager,
	cc *cache.ConversationCache,
) *ConversationSession {
	writeCtx, writeCancel := context.WithCancel(context.Background())
	return &ConversationSession{
		userID:        userID,
		peerID:        conv.Peer(userID),
		conv:          conv,
		messages:      messages,
		blobs:         blobs,
		subs:          subs,
		cache:         cc,
		tracker:       NewDeliveryTracker(),
		state:         StateLoading,
		foreground:    true,
		snapshots:     make(chan []models.MessageView, 1),
		signals:       make(chan Signal, 256),
		writes:        make(chan func(context.Context), 64),
		done:          make(chan struct{}),
		writeCtx:      writeCtx,
		writeCancel:   writeCancel,
		sendRetries:   3,
		sendRetryBase: 2 * time.Second,
		tokenTTL:      5 * time.Minute,
	}
}

// Open loads the full ordered history, marks the peer's unread messages
// read, subscribes to the conversation topic and transitions to Ready.
func (s *ConversationSession) Open(ctx context.Context) error {
	history, cached := s.cache.GetHistory(s.conv.ID)
	if !cached {
		var err error
		history, err = s.messages.FindByConversation(ctx, s.conv.ID, 0)
		if err != nil {
			return fmt.Errorf("sync: open conversation %d: %w", s.conv.ID, err)
		}
		if cerr := s.cache.SetHistory(s.conv.ID, history); cerr != nil {
			log.Printf("session: cache history for conversation %d: %v", s.conv.ID, cerr)
		}
	}

	s.mu.Lock()
	s.tracker.Load(history)
	unread := s.tracker.UnreadFrom(s.peerID)
	if len(unread) > 0 {
		s.tracker.SetRead(unread, s.peerID)
	}
	unreadNow := len(s.tracker.UnreadFrom(s.peerID))
	s.state = StateReady
	s.emitLocked()
	s.mu.Unlock()

	if len(unread) > 0 {
		s.enqueueReadReceipt(unread)
	}
	s.storeUnread(unreadNow)

	s.handle = s.subs.Subscribe(transport.ConversationTopic(s.conv.ID), s.enqueueSignal)
	go s.loop()
	go s.writeWorker()
	return nil
}

// Send appends a provisional message to the buffer immediately and returns
// its client token; upload and insert run asynchronously. A send, once
// locally visible, always reaches a terminal state (confirmed or failed),
// even if the session closes meanwhile.
func (s *ConversationSession) Send(content string, att *Attachment) (string, error) {
	if content == "" && att == nil {
		return "", errors.New("sync: empty send")
	}

	token := uuid.NewString()
	provisional := models.Message{
		ClientToken:    token,
		ConversationID: s.conv.ID,
		SenderID:       s.userID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if att != nil {
		provisional.MediaType = att.Type
		provisional.MediaSize = att.Size
		provisional.MediaFilename = att.Filename
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	s.tracker.Append(provisional)
	s.pendingSends++
	s.state = StateSending
	s.emitLocked()
	s.mu.Unlock()

	go s.performSend(token, content, att)
	return token, nil
}

// Retry re-attempts a failed send. The optimistic entry flips back to
// pending and goes through the insert path again under the same token, so
// the store's idempotency key prevents a duplicate if the original insert
// partially landed.
func (s *ConversationSession) Retry(token string) bool {
	s.mu.Lock()
	msg, ok := s.tracker.Failed(token)
	if !ok || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.tracker.Retrying(token)
	s.pendingSends++
	s.state = StateSending
	s.emitLocked()
	s.mu.Unlock()

	go s.performInsert(token, msg)
	return true
}

// MarkRead flips is_read locally for peer-authored messages and writes
// through asynchronously. Own messages are never marked.
func (s *ConversationSession) MarkRead(ids []uint) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	changed := s.tracker.SetRead(ids, s.peerID)
	unreadNow := len(s.tracker.UnreadFrom(s.peerID))
	if changed > 0 {
		s.emitLocked()
	}
	s.mu.Unlock()
	if changed > 0 {
		s.enqueueReadReceipt(ids)
		s.storeUnread(unreadNow)
	}
}

// SetForeground toggles whether incoming peer messages trigger immediate
// read receipts. Bringing the view back to the foreground catches up on
// anything that arrived while backgrounded.
func (s *ConversationSession) SetForeground(fg bool) {
	s.mu.Lock()
	s.foreground = fg
	var unread []uint
	if fg && s.state != StateClosed {
		unread = s.tracker.UnreadFrom(s.peerID)
		if len(unread) > 0 {
			s.tracker.SetRead(unread, s.peerID)
			s.emitLocked()
		}
	}
	s.mu.Unlock()
	if len(unread) > 0 {
		s.enqueueReadReceipt(unread)
		s.storeUnread(0)
	}
}

// Snapshots is the stream of ordered-message-list snapshots. Latest wins:
// a slow consumer only ever misses intermediate states, never the newest.
func (s *ConversationSession) Snapshots() <-chan []models.MessageView {
	return s.snapshots
}

func (s *ConversationSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Unread derives the conversation's unread count for this user.
func (s *ConversationSession) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracker.UnreadFrom(s.peerID))
}

// ConversationID returns the id of the open conversation.
func (s *ConversationSession) ConversationID() uint { return s.conv.ID }

// Done is closed when the session closes.
func (s *ConversationSession) Done() <-chan struct{} { return s.done }

// Close unsubscribes, cancels queued non-critical writes and discards the
// in-memory buffer. Persisted state is untouched; in-flight sends run on.
func (s *ConversationSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.tracker = NewDeliveryTracker()
		s.mu.Unlock()

		s.subs.Unsubscribe(s.handle)
		s.writeCancel()
		close(s.done)

		// A cached count would go stale as messages arrive with no session
		// to maintain it.
		if err := s.cache.InvalidateUnreadCount(s.userID, s.conv.ID); err != nil {
			log.Printf("session: invalidate unread cache for conversation %d: %v", s.conv.ID, err)
		}
	})
}

// --- send pipeline ---

func (s *ConversationSession) performSend(token, content string, att *Attachment) {
	// Sends deliberately run on a background context: once locally visible
	// they must reach a terminal state regardless of the view closing.
	ctx := context.Background()

	msg := models.Message{
		ClientToken:    token,
		ConversationID: s.conv.ID,
		SenderID:       s.userID,
		Content:        content,
		Status:         models.StatusSent,
	}

	if att != nil {
		var url string
		err := error(&store.UploadError{Path: att.Filename, Err: errors.New("blob storage not configured")})
		if s.blobs != nil {
			key := fmt.Sprintf("%d/%s/%s", s.conv.ID, token, att.Filename)
			url, err = s.blobs.Upload(ctx, key, att.Data, att.Size, att.ContentType)
		}
		if err != nil {
			if !store.IsUpload(err) {
				err = &store.UploadError{Path: att.Filename, Err: err}
			}
			// Attachment failure degrades to a text-only send; the typed
			// text is never silently dropped.
			log.Printf("session: upload for conversation %d failed, degrading to text-only: %v", s.conv.ID, err)
			if content == "" {
				s.finishSend(token, nil)
				return
			}
		} else {
			msg.MediaType = att.Type
			msg.MediaURL = url
			msg.MediaSize = att.Size
			msg.MediaFilename = att.Filename
		}
	}

	s.performInsert(token, msg)
}

func (s *ConversationSession) performInsert(token string, msg models.Message) {
	ctx := context.Background()

	var canonical *models.Message
	for attempt := 0; attempt < s.sendRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.sendRetryBase * time.Duration(1<<uint(attempt-1)))
		}

		m := msg
		row, err := s.messages.Create(ctx, &m)
		if err == nil {
			canonical = row
			break
		}
		if store.IsTransient(err) {
			log.Printf("session: send %s attempt %d failed: %v", token, attempt+1, err)
			continue
		}

		// A retried insert that hit the idempotency index means an earlier
		// attempt actually landed; fetch that row instead.
		if existing, ferr := s.messages.FindByClientToken(ctx, token, s.userID); ferr == nil {
			canonical = existing
		} else {
			log.Printf("session: send %s permanently failed: %v", token, err)
		}
		break
	}

	s.finishSend(token, canonical)
}

func (s *ConversationSession) finishSend(token string, canonical *models.Message) {
	s.mu.Lock()
	if canonical != nil {
		s.tracker.ReconcileLocal(token, *canonical)
	} else {
		s.tracker.MarkFailed(token)
	}
	if s.pendingSends > 0 {
		s.pendingSends--
	}
	if s.state == StateSending && s.pendingSends == 0 {
		s.state = StateReady
	}
	s.emitLocked()
	s.mu.Unlock()

	if canonical != nil {
		if err := s.cache.InvalidateHistory(s.conv.ID); err != nil {
			log.Printf("session: invalidate history cache for conversation %d: %v", s.conv.ID, err)
		}
	}
}

// --- push event handling ---

func (s *ConversationSession) enqueueSignal(sig Signal) {
	// Handlers must never block event delivery on store writes; they only
	// queue. A full queue applies backpressure to this topic alone.
	select {
	case s.signals <- sig:
	case <-s.done:
	}
}

func (s *ConversationSession) loop() {
	evict := time.NewTicker(s.tokenTTL)
	defer evict.Stop()

	for {
		select {
		case sig := <-s.signals:
			if sig.Resync {
				s.resync()
			} else {
				s.handleChange(sig.Change)
			}
		case <-evict.C:
			s.mu.Lock()
			if s.tracker.EvictStale(s.tokenTTL, time.Now()) > 0 {
				s.emitLocked()
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

func (s *ConversationSession) handleChange(ch transport.Change) {
	m := ch.Message
	if m == nil || m.ConversationID != s.conv.ID {
		return
	}

	var receipt []uint
	var delivered uint
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	inserted := s.tracker.ReconcileRemote(*m)
	if inserted && m.SenderID == s.peerID && m.ID != 0 {
		if s.foreground {
			receipt = []uint{m.ID}
			s.tracker.SetRead(receipt, s.peerID)
		} else {
			delivered = m.ID
		}
	}
	unreadNow := len(s.tracker.UnreadFrom(s.peerID))
	s.emitLocked()
	s.mu.Unlock()

	if len(receipt) > 0 {
		s.enqueueReadReceipt(receipt)
	}
	if delivered != 0 {
		s.enqueueDelivered(delivered)
	}
	if inserted {
		if err := s.cache.InvalidateHistory(s.conv.ID); err != nil {
			log.Printf("session: invalidate history cache for conversation %d: %v", s.conv.ID, err)
		}
		s.storeUnread(unreadNow)
	}
}

// resync re-fetches authoritative state after a reconnect; the push channel
// gives no delivery guarantee across the disconnect window.
func (s *ConversationSession) resync() {
	history, err := s.messages.FindByConversation(context.Background(), s.conv.ID, 0)
	if err != nil {
		log.Printf("session: resync conversation %d: %v", s.conv.ID, err)
		return
	}

	var unread []uint
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.tracker.Load(history)
	if s.foreground {
		unread = s.tracker.UnreadFrom(s.peerID)
		if len(unread) > 0 {
			s.tracker.SetRead(unread, s.peerID)
		}
	}
	unreadNow := len(s.tracker.UnreadFrom(s.peerID))
	s.emitLocked()
	s.mu.Unlock()

	if len(unread) > 0 {
		s.enqueueReadReceipt(unread)
	}
	s.storeUnread(unreadNow)
	if cerr := s.cache.SetHistory(s.conv.ID, history); cerr != nil {
		log.Printf("session: cache history for conversation %d: %v", s.conv.ID, cerr)
	}
}

// --- async store writes ---

// enqueueDelivered records the delivered hop for a peer message that arrived
// while the view is backgrounded. A foregrounded view records read directly,
// which supersedes delivered on the status ladder.
func (s *ConversationSession) enqueueDelivered(id uint) {
	write := func(ctx context.Context) {
		if err := s.messages.MarkDelivered(ctx, id); err != nil {
			log.Printf("session: delivered receipt for message %d dropped: %v", id, err)
		}
	}
	select {
	case s.writes <- write:
	case <-s.done:
	default:
		log.Printf("session: write queue full for conversation %d, dropping delivered receipt", s.conv.ID)
	}
}

// enqueueReadReceipt queues a fire-and-forget read-state write. Queued
// writes are cancelled by Close; a lost receipt self-heals on resync.
func (s *ConversationSession) enqueueReadReceipt(ids []uint) {
	write := func(ctx context.Context) {
		for attempt := 0; attempt < s.sendRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(s.sendRetryBase * time.Duration(1<<uint(attempt-1))):
				case <-ctx.Done():
					return
				}
			}
			_, err := s.messages.MarkRead(ctx, s.conv.ID, ids, s.userID)
			if err == nil {
				return
			}
			if store.IsPermanent(err) || ctx.Err() != nil {
				log.Printf("session: read receipt for conversation %d dropped: %v", s.conv.ID, err)
				return
			}
			log.Printf("session: read receipt for conversation %d attempt %d failed: %v", s.conv.ID, attempt+1, err)
		}
	}

	select {
	case s.writes <- write:
	case <-s.done:
	default:
		log.Printf("session: write queue full for conversation %d, dropping read receipt", s.conv.ID)
	}
}

// storeUnread writes the user's current unread count through to the cache
// so a fresh attach sees a count ahead of the async receipt writes.
func (s *ConversationSession) storeUnread(n int) {
	if err := s.cache.SetUnreadCount(s.userID, s.conv.ID, n); err != nil {
		log.Printf("session: cache unread count for conversation %d: %v", s.conv.ID, err)
	}
}

func (s *ConversationSession) writeWorker() {
	for {
		select {
		case write := <-s.writes:
			write(s.writeCtx)
		case <-s.done:
			return
		}
	}
}

// emitLocked publishes a snapshot of the buffer. Caller holds s.mu.
// Latest-wins: a pending stale snapshot is replaced, never queued behind.
func (s *ConversationSession) emitLocked() {
	snap := s.tracker.Messages()
	for {
		select {
		case s.snapshots <- snap:
			return
		default:
			select {
			case <-s.snapshots:
			default:
			}
		}
	}
}
