// Package broker wraps the message broker used to fan events into the
// webhook delivery engine. Routing keys follow the topic convention
// `webhooks.events.<event-key>` for fresh events, `webhooks.<subscription-id>`
// for per-subscription retries, and `events.<domain>.<action>` for internal
// triggers consumed by other subsystems.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"streamhooks/internal/model"
)

const (
	// StreamEvents holds internal trigger messages (bound events.#).
	StreamEvents = "events"
	// StreamWebhooks holds messages consumed by the delivery engine
	// (bound webhooks.#).
	StreamWebhooks = "webhooks"

	// Group is the delivery engine's consumer group on StreamWebhooks.
	Group = "webhook-delivery"
)

// EventRoutingKey returns the routing key for a fresh event bound for the
// delivery engine.
func EventRoutingKey(event string) string { return "webhooks.events." + event }

// SubscriptionRoutingKey returns the routing key for a per-subscription
// retry of a failed delivery.
func SubscriptionRoutingKey(subscriptionID string) string { return "webhooks." + subscriptionID }

// InternalRoutingKey returns the routing key for internal consumers such as
// the task pipeline.
func InternalRoutingKey(event string) string { return "events." + event }

// SubscriptionFromKey extracts the subscription id from a retry routing key.
// Returns "" for aggregate (webhooks.events.*) keys.
func SubscriptionFromKey(key string) string {
	rest, ok := strings.CutPrefix(key, "webhooks.")
	if !ok || rest == "" || strings.HasPrefix(rest, "events.") {
		return ""
	}
	return rest
}

// streamForKey maps a routing key onto the stream whose binding pattern
// matches it.
func streamForKey(key string) (string, error) {
	switch {
	case strings.HasPrefix(key, "webhooks."):
		return StreamWebhooks, nil
	case strings.HasPrefix(key, "events."):
		return StreamEvents, nil
	}
	return "", fmt.Errorf("no binding matches routing key %q", key)
}

// DelayBucket names the delayed queue for a given delay, bucketed to whole
// seconds.
func DelayBucket(delay time.Duration) string {
	secs := int64(delay / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("delayedQueue_%ds", secs)
}

// Delivery is one in-flight message plus its acknowledgment handle. Ack and
// Nack are idempotent; only the first call has an effect.
type Delivery struct {
	RoutingKey string
	Message    *model.EventMessage

	done   atomic.Bool
	ackFn  func() error
	nackFn func() error
}

func NewDelivery(key string, msg *model.EventMessage, ack, nack func() error) *Delivery {
	return &Delivery{RoutingKey: key, Message: msg, ackFn: ack, nackFn: nack}
}

// Ack marks the message as handled; the broker will not redeliver it.
func (d *Delivery) Ack() error {
	if !d.done.CompareAndSwap(false, true) {
		return nil
	}
	if d.ackFn == nil {
		return nil
	}
	return d.ackFn()
}

// Nack returns the message to the broker for redelivery to some consumer.
func (d *Delivery) Nack() error {
	if !d.done.CompareAndSwap(false, true) {
		return nil
	}
	if d.nackFn == nil {
		return nil
	}
	return d.nackFn()
}

// Handler is invoked once per consumed message. It must Ack or Nack the
// delivery before returning.
type Handler func(ctx context.Context, d *Delivery)

// Broker is the publish/consume contract of the delivery engine.
type Broker interface {
	// Publish appends the message durably before returning.
	Publish(ctx context.Context, routingKey string, msg *model.EventMessage) error
	// PublishDelayed parks the message on a delayed queue and redelivers it
	// under routingKey no earlier than delay from now. Delayed messages
	// survive process restarts.
	PublishDelayed(ctx context.Context, routingKey string, msg *model.EventMessage, delay time.Duration) error
	// Consume blocks, delivering messages one at a time to handler until ctx
	// is done. The next message is not fetched until the previous handler
	// returned.
	Consume(ctx context.Context, h Handler) error
	Close() error
}
