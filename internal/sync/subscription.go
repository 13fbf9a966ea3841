// Package sync implements the real-time synchronization engine: per-topic
// push subscriptions, conversation sessions with optimistic sends, token
// based reconciliation, and the notification reducer.
package sync

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lumachat/sync-engine/internal/transport"
)

// Signal is what a subscription handler receives: either a decoded change
// or a resync marker telling the owner to re-fetch authoritative state
// because events may have been lost across a disconnect window.
type Signal struct {
	Resync bool
	Change transport.Change
}

// Handler is invoked once per received event, at-least-once, in arrival
// order for its topic.
type Handler func(Signal)

// Handle identifies one registered handler on one topic.
type Handle struct {
	topic string
	id    uint64
	mgr   *SubscriptionManager
}

// SubscriptionManager owns one live transport connection per subscribed
// topic and fans events out to the topic's handlers. Transport errors are
// never fatal to callers: the manager reconnects with exponential backoff
// and emits a resync signal to every handler after each reconnect.
type SubscriptionManager struct {
	transport transport.PushTransport

	baseDelay time.Duration
	maxDelay  time.Duration

	mu     sync.Mutex
	topics map[string]*topicState
	nextID uint64
	closed bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type topicState struct {
	handlers map[uint64]Handler
	live     bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSubscriptionManager(tp transport.PushTransport) *SubscriptionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &SubscriptionManager{
		transport:  tp,
		baseDelay:  1 * time.Second,
		maxDelay:   30 * time.Second,
		topics:     make(map[string]*topicState),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Subscribe opens (or reuses) the push subscription for topic and registers
// the handler. It returns without waiting for the connection to come up.
func (m *SubscriptionManager) Subscribe(topic string, h Handler) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &Handle{topic: topic, mgr: m}
	}

	ts, ok := m.topics[topic]
	if !ok {
		ctx, cancel := context.WithCancel(m.rootCtx)
		ts = &topicState{
			handlers: make(map[uint64]Handler),
			cancel:   cancel,
			done:     make(chan struct{}),
		}
		m.topics[topic] = ts
		go m.pump(ctx, topic, ts)
	}

	m.nextID++
	id := m.nextID
	ts.handlers[id] = h
	return &Handle{topic: topic, id: id, mgr: m}
}

// Unsubscribe removes the handle's handler. Idempotent; after it returns no
// further invocations of that handler are started (one already in flight
// may still complete). The topic's connection is torn down when its last
// handler leaves.
func (m *SubscriptionManager) Unsubscribe(h *Handle) {
	if h == nil || h.mgr != m {
		return
	}
	m.mu.Lock()
	ts, ok := m.topics[h.topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(ts.handlers, h.id)
	if len(ts.handlers) == 0 {
		delete(m.topics, h.topic)
		ts.cancel()
	}
	m.mu.Unlock()
}

// IsLive reports whether the topic currently has a healthy connection.
// Advisory only, for UI status display; correctness never depends on it.
func (m *SubscriptionManager) IsLive(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.topics[topic]
	return ok && ts.live
}

// Close tears down every subscription.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	m.closed = true
	for topic, ts := range m.topics {
		delete(m.topics, topic)
		ts.cancel()
	}
	m.mu.Unlock()
	m.rootCancel()
}

func (m *SubscriptionManager) pump(ctx context.Context, topic string, ts *topicState) {
	defer close(ts.done)

	attempts := 0
	hadSession := false

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.transport.Open(ctx, topic)
		if err != nil {
			log.Printf("subscription: open %s failed (attempt %d): %v", topic, attempts+1, err)
			if !m.sleep(ctx, m.backoff(attempts)) {
				return
			}
			attempts++
			continue
		}

		attempts = 0
		m.setLive(topic, ts, true)

		if hadSession {
			// Events may have been dropped while we were down; tell every
			// owner to re-fetch authoritative state.
			m.dispatch(ts, Signal{Resync: true})
		}
		hadSession = true

		for ev := range conn.Events() {
			change, derr := transport.Decode(ev)
			if derr != nil {
				log.Printf("subscription: %s: %v", topic, derr)
				continue
			}
			m.dispatch(ts, Signal{Change: change})
		}

		m.setLive(topic, ts, false)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if cerr := conn.Err(); cerr != nil {
			log.Printf("subscription: %s disconnected: %v", topic, cerr)
		}
		if !m.sleep(ctx, m.backoff(attempts)) {
			return
		}
		attempts++
	}
}

func (m *SubscriptionManager) dispatch(ts *topicState, sig Signal) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(ts.handlers))
	for _, h := range ts.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(sig)
	}
}

func (m *SubscriptionManager) setLive(topic string, ts *topicState, live bool) {
	m.mu.Lock()
	if _, still := m.topics[topic]; still {
		ts.live = live
	}
	m.mu.Unlock()
}

// backoff returns the delay before reconnect attempt n: base doubled per
// attempt, capped.
func (m *SubscriptionManager) backoff(attempts int) time.Duration {
	if attempts > 30 {
		attempts = 30
	}
	delay := m.baseDelay * time.Duration(1<<uint(attempts))
	if delay > m.maxDelay || delay <= 0 {
		delay = m.maxDelay
	}
	return delay
}

func (m *SubscriptionManager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
