// Package transport abstracts the push channel that delivers "entity
// changed" events keyed by topic. The transport offers no delivery guarantee
// across a disconnect window; consumers must resync after a reconnect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

type Entity string

const (
	EntityMessage      Entity = "message"
	EntityNotification Entity = "notification"
)

// ErrDisconnected is reported by a connection whose event stream ended for
// any reason other than a local Close. It is always recovered internally by
// the subscription manager; it is never a terminal error for callers.
var ErrDisconnected = errors.New("push transport disconnected")

// Event is the wire shape of a single change notification.
type Event struct {
	Op     Op              `json:"op"`
	Entity Entity          `json:"entity"`
	Row    json.RawMessage `json:"row"`
}

// Conn is one open per-topic event stream. Events are delivered in arrival
// order. The channel returned by Events is closed when the stream ends;
// Err then reports why.
type Conn interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// PushTransport opens per-topic streams and publishes events to them. Safe
// for concurrent use. Cancelling the ctx passed to Open ends the stream:
// the connection's event channel closes and Err reports the cause.
type PushTransport interface {
	Open(ctx context.Context, topic string) (Conn, error)
	Publish(ctx context.Context, topic string, ev Event) error
}

// ConversationTopic is the routing key for one conversation's events.
func ConversationTopic(conversationID uint) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}

// UserTopic is the routing key for a user's notification stream.
func UserTopic(userID uint) string {
	return fmt.Sprintf("user:%d", userID)
}
