package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lumachat/sync-engine/internal/models"
	"github.com/lumachat/sync-engine/internal/store"
	"github.com/lumachat/sync-engine/internal/transport"
)

// MockMessageRepository is an in-memory message store for testing.
type MockMessageRepository struct {
	mu         sync.Mutex
	messages   map[uint]*models.Message
	nextID     uint
	base       time.Time
	createErrs []error // popped one per Create call

	markReadCalls      [][]uint
	markDeliveredCalls []uint
}

func NewMockMessageRepository() *MockMessageRepository {
	return &MockMessageRepository{
		messages: make(map[uint]*models.Message),
		nextID:   1,
		base:     time.Unix(1700000000, 0).UTC(),
	}
}

// FailNextCreates queues errors returned by upcoming Create calls.
func (m *MockMessageRepository) FailNextCreates(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErrs = append(m.createErrs, errs...)
}

// Seed inserts canonical rows directly.
func (m *MockMessageRepository) Seed(msgs ...*models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		cp := *msg
		m.messages[cp.ID] = &cp
		if cp.ID >= m.nextID {
			m.nextID = cp.ID + 1
		}
	}
}

func (m *MockMessageRepository) Get(id uint) (models.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return models.Message{}, false
	}
	return *msg, true
}

func (m *MockMessageRepository) MarkReadCalls() [][]uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]uint, len(m.markReadCalls))
	copy(out, m.markReadCalls)
	return out
}

func (m *MockMessageRepository) Create(ctx context.Context, message *models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	for _, existing := range m.messages {
		if existing.ClientToken == message.ClientToken && existing.SenderID == message.SenderID {
			return nil, &store.PermanentError{Op: "message.create", Err: errDuplicateToken}
		}
	}

	cp := *message
	cp.ID = m.nextID
	m.nextID++
	cp.CreatedAt = m.base.Add(time.Duration(cp.ID) * time.Second)
	if cp.Status == "" {
		cp.Status = models.StatusSent
	}
	m.messages[cp.ID] = &cp

	out := cp
	return &out, nil
}

func (m *MockMessageRepository) FindByID(ctx context.Context, id uint) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[id]; ok {
		out := *msg
		return &out, nil
	}
	return nil, &store.PermanentError{Op: "message.find", Err: errNotFound}
}

func (m *MockMessageRepository) FindByClientToken(ctx context.Context, token string, senderID uint) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ClientToken == token && msg.SenderID == senderID {
			out := *msg
			return &out, nil
		}
	}
	return nil, &store.PermanentError{Op: "message.find_by_token", Err: errNotFound}
}

func (m *MockMessageRepository) FindByConversation(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			result = append(result, *msg)
		}
	}
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].Before(&result[i]) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockMessageRepository) MarkRead(ctx context.Context, conversationID uint, ids []uint, readerID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markReadCalls = append(m.markReadCalls, ids)
	var affected int64
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok && msg.ConversationID == conversationID && msg.SenderID != readerID && !msg.IsRead {
			msg.IsRead = true
			msg.Status = models.StatusRead
			affected++
		}
	}
	return affected, nil
}

func (m *MockMessageRepository) MarkDelivered(ctx context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markDeliveredCalls = append(m.markDeliveredCalls, id)
	if msg, ok := m.messages[id]; ok && models.StatusAdvances(msg.Status, models.StatusDelivered) {
		msg.Status = models.StatusDelivered
	}
	return nil
}

func (m *MockMessageRepository) MarkDeliveredCalls() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint, len(m.markDeliveredCalls))
	copy(out, m.markDeliveredCalls)
	return out
}

// MockNotificationRepository is an in-memory notification store for testing.
type MockNotificationRepository struct {
	mu             sync.Mutex
	items          map[uint]*models.Notification
	nextID         uint
	markReadCalls  [][]uint
	deleteForCalls []uint
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		items:  make(map[uint]*models.Notification),
		nextID: 1,
	}
}

func (m *MockNotificationRepository) Seed(items ...*models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range items {
		cp := *n
		m.items[cp.ID] = &cp
		if cp.ID >= m.nextID {
			m.nextID = cp.ID + 1
		}
	}
}

func (m *MockNotificationRepository) MarkReadCalls() [][]uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]uint, len(m.markReadCalls))
	copy(out, m.markReadCalls)
	return out
}

func (m *MockNotificationRepository) Create(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	cp.ID = m.nextID
	m.nextID++
	m.items[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MockNotificationRepository) ListForUser(ctx context.Context, userID uint, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.Notification
	for _, n := range m.items {
		if n.UserID == userID {
			result = append(result, *n)
		}
	}
	// newest first
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].CreatedAt.After(result[i].CreatedAt) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockNotificationRepository) MarkRead(ctx context.Context, userID uint, ids []uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markReadCalls = append(m.markReadCalls, ids)
	var affected int64
	for _, id := range ids {
		if n, ok := m.items[id]; ok && n.UserID == userID && !n.IsRead {
			n.IsRead = true
			affected++
		}
	}
	return affected, nil
}

func (m *MockNotificationRepository) DeleteForUser(ctx context.Context, userID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteForCalls = append(m.deleteForCalls, userID)
	for id, n := range m.items {
		if n.UserID == userID {
			delete(m.items, id)
		}
	}
	return nil
}

func (m *MockNotificationRepository) DeleteForUserCalls() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint, len(m.deleteForCalls))
	copy(out, m.deleteForCalls)
	return out
}

// FakeTransport is an in-memory PushTransport with controllable disconnects.
type FakeTransport struct {
	mu        sync.Mutex
	conns     map[string][]*fakeConn
	openCount map[string]int
	openFails map[string]int
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		conns:     make(map[string][]*fakeConn),
		openCount: make(map[string]int),
		openFails: make(map[string]int),
	}
}

func (f *FakeTransport) Open(ctx context.Context, topic string) (transport.Conn, error) {
	f.mu.Lock()
	f.openCount[topic]++
	if f.openFails[topic] > 0 {
		f.openFails[topic]--
		f.mu.Unlock()
		return nil, transport.ErrDisconnected
	}
	c := &fakeConn{events: make(chan transport.Event, 64)}
	f.conns[topic] = append(f.conns[topic], c)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.drop(topic, c, ctx.Err())
	}()
	return c, nil
}

func (f *FakeTransport) Publish(ctx context.Context, topic string, ev transport.Event) error {
	f.mu.Lock()
	conns := append([]*fakeConn(nil), f.conns[topic]...)
	f.mu.Unlock()
	for _, c := range conns {
		c.deliver(ev)
	}
	return nil
}

// Disconnect simulates the transport dropping every connection on a topic.
func (f *FakeTransport) Disconnect(topic string) {
	f.mu.Lock()
	conns := f.conns[topic]
	f.conns[topic] = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.shutdown(transport.ErrDisconnected)
	}
}

// FailNextOpens makes the next n Open calls on a topic fail.
func (f *FakeTransport) FailNextOpens(topic string, n int) {
	f.mu.Lock()
	f.openFails[topic] = n
	f.mu.Unlock()
}

func (f *FakeTransport) OpenCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCount[topic]
}

func (f *FakeTransport) drop(topic string, target *fakeConn, err error) {
	f.mu.Lock()
	conns := f.conns[topic]
	for i, c := range conns {
		if c == target {
			f.conns[topic] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	target.shutdown(err)
}

type fakeConn struct {
	events chan transport.Event

	mu     sync.Mutex
	err    error
	closed bool
}

func (c *fakeConn) Events() <-chan transport.Event { return c.events }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeConn) deliver(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *fakeConn) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.events)
}

// --- shared helpers ---

var (
	errNotFound       = errSentinel("record not found")
	errDuplicateToken = errSentinel("duplicate client token")
)

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

// waitFor polls until cond holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// snapWatcher records the latest snapshot emitted by a session.
type snapWatcher struct {
	mu   sync.Mutex
	last []models.MessageView
}

func watchSnapshots(s *ConversationSession) *snapWatcher {
	w := &snapWatcher{}
	go func() {
		for {
			select {
			case snap := <-s.Snapshots():
				w.mu.Lock()
				w.last = snap
				w.mu.Unlock()
			case <-s.Done():
				return
			}
		}
	}()
	return w
}

func (w *snapWatcher) get() []models.MessageView {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// fastSession trims the retry/backoff tunables so tests stay quick.
func fastSession(s *ConversationSession) *ConversationSession {
	s.sendRetryBase = time.Millisecond
	s.tokenTTL = time.Hour
	return s
}

func fastManager(m *SubscriptionManager) *SubscriptionManager {
	m.baseDelay = time.Millisecond
	m.maxDelay = 10 * time.Millisecond
	return m
}
