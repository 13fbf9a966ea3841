package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport implements PushTransport over Redis Pub/Sub. One Pub/Sub
// subscription per open topic; Redis guarantees per-channel publish order,
// which gives us the per-topic arrival-order contract.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Open(ctx context.Context, topic string) (Conn, error) {
	ps := t.client.Subscribe(ctx, topic)

	// Force the SUBSCRIBE round-trip so Open fails fast when the broker is
	// unreachable instead of surfacing the error on first read.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("transport: subscribe %s: %w", topic, err)
	}

	c := &redisConn{
		topic:  topic,
		ps:     ps,
		events: make(chan Event, 64),
	}
	go c.pump(ctx)
	return c, nil
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("transport: encode event: %w", err)
	}
	if err := t.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("transport: publish %s: %w", topic, err)
	}
	return nil
}

type redisConn struct {
	topic  string
	ps     *redis.PubSub
	events chan Event

	mu     sync.Mutex
	err    error
	closed bool
}

func (c *redisConn) Events() <-chan Event { return c.events }

func (c *redisConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *redisConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.ps.Close()
}

func (c *redisConn) pump(ctx context.Context) {
	defer close(c.events)

	for {
		msg, err := c.ps.ReceiveMessage(ctx)
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = fmt.Errorf("%w: topic %s: %v", ErrDisconnected, c.topic, err)
			}
			c.mu.Unlock()
			return
		}

		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("transport: dropping malformed event on %s: %v", c.topic, err)
			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			c.mu.Lock()
			c.err = ctx.Err()
			c.mu.Unlock()
			return
		}
	}
}
