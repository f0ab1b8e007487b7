package broker

import (
	"context"
	"sync"
	"time"

	"streamhooks/internal/model"
)

type memEnvelope struct {
	key string
	msg *model.EventMessage
}

// Memory is an in-process Broker used when no REDIS_URL is set and in tests.
// Delayed messages are lost on process exit; the Redis broker is the durable
// one.
type Memory struct {
	mu       sync.Mutex
	webhooks chan memEnvelope
	events   chan memEnvelope
	timers   map[*time.Timer]struct{}
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		webhooks: make(chan memEnvelope, 1024),
		events:   make(chan memEnvelope, 1024),
		timers:   map[*time.Timer]struct{}{},
	}
}

func (b *Memory) Publish(ctx context.Context, routingKey string, msg *model.EventMessage) error {
	stream, err := streamForKey(routingKey)
	if err != nil {
		return err
	}
	if stream == StreamEvents {
		// Nothing in this process consumes internal triggers; drop rather
		// than block the publisher once the buffer fills.
		select {
		case b.events <- memEnvelope{key: routingKey, msg: msg}:
		default:
		}
		return nil
	}
	select {
	case b.webhooks <- memEnvelope{key: routingKey, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Memory) PublishDelayed(ctx context.Context, routingKey string, msg *model.EventMessage, delay time.Duration) error {
	if _, err := streamForKey(routingKey); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		_ = b.Publish(context.Background(), routingKey, msg)
	})
	b.timers[t] = struct{}{}
	return nil
}

func (b *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.webhooks:
			d := NewDelivery(env.key, env.msg, nil, func() error {
				return b.Publish(context.Background(), env.key, env.msg)
			})
			h(ctx, d)
		}
	}
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = map[*time.Timer]struct{}{}
	return nil
}
