package webhooks

import (
	"context"
	"errors"
	"log/slog"

	"streamhooks/internal/broker"
	"streamhooks/internal/model"
	"streamhooks/internal/store"
)

// Consumer is the message loop of the delivery engine. It takes one message
// at a time from the broker, fans it out to the matched subscriptions, and
// acknowledges only after the full fan-out set has been attempted. Anything
// unexpected nacks the message so the broker redelivers it.
type Consumer struct {
	Broker   broker.Broker
	Store    store.Store
	Resolver *SubscriptionResolver
	Executor *Executor
	Log      *slog.Logger
}

func NewConsumer(b broker.Broker, s store.Store, e *Executor, log *slog.Logger) *Consumer {
	return &Consumer{Broker: b, Store: s, Resolver: NewSubscriptionResolver(s), Executor: e, Log: log}
}

// Run blocks consuming messages until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	return c.Broker.Consume(ctx, c.handle)
}

func (c *Consumer) handle(ctx context.Context, d *broker.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.Log.Error("panic handling event message", "routingKey", d.RoutingKey, "panic", r)
			_ = d.Nack()
		}
	}()
	msg := d.Message
	if msg == nil || msg.ID == "" || msg.Event == "" {
		c.Log.Warn("discarding malformed event message", "routingKey", d.RoutingKey)
		_ = d.Ack()
		return
	}
	if subID := broker.SubscriptionFromKey(d.RoutingKey); subID != "" {
		c.handleRetry(ctx, d, subID)
		return
	}
	c.handleEvent(ctx, d)
}

// handleEvent processes a fresh event: resolve targets, fan out, ack.
func (c *Consumer) handleEvent(ctx context.Context, d *broker.Delivery) {
	msg := d.Message
	if msg.Event == model.EventRecordingReady && c.recordingSuperseded(ctx, msg) {
		// A new session started for the stream between teardown and recording
		// finalization; the recording this event refers to is not final.
		c.Log.Info("dropping recording.ready for superseded session",
			"eventId", msg.ID, "streamId", msg.StreamID, "sessionId", msg.SessionID)
		_ = d.Ack()
		return
	}
	subs, err := c.Resolver.ListSubscribed(ctx, msg.UserID, msg.Event, msg.ProjectID, msg.StreamID)
	if err != nil {
		// Store failure, not a delivery failure: redeliver without consuming
		// a retry.
		c.Log.Error("failed to resolve subscriptions", "eventId", msg.ID, "error", err)
		_ = d.Nack()
		return
	}
	if len(subs) == 0 {
		_ = d.Ack()
		return
	}
	stream, skip := c.deliveryContext(ctx, msg)
	if err := c.Executor.FanOut(ctx, msg, subs, stream, skip); err != nil {
		c.Log.Error("failed to schedule retries, redelivering", "eventId", msg.ID, "error", err)
		_ = d.Nack()
		return
	}
	_ = d.Ack()
}

// handleRetry processes a re-queued message scoped to one subscription.
func (c *Consumer) handleRetry(ctx context.Context, d *broker.Delivery, subID string) {
	msg := d.Message
	sub, err := c.Store.GetSubscription(ctx, subID)
	if errors.Is(err, store.ErrNotFound) {
		c.Log.Info("dropping retry for missing subscription", "subscriptionId", subID, "eventId", msg.ID)
		_ = d.Ack()
		return
	}
	if err != nil {
		c.Log.Error("failed to load subscription for retry", "subscriptionId", subID, "error", err)
		_ = d.Nack()
		return
	}
	if sub.Deleted || sub.Disabled {
		_ = d.Ack()
		return
	}
	// The backoff window is where a stream is most likely to restart, so the
	// superseded-session check applies to retries too.
	if msg.Event == model.EventRecordingReady && c.recordingSuperseded(ctx, msg) {
		c.Log.Info("dropping recording.ready retry for superseded session",
			"eventId", msg.ID, "streamId", msg.StreamID, "sessionId", msg.SessionID, "subscriptionId", subID)
		_ = d.Ack()
		return
	}
	stream, skip := c.deliveryContext(ctx, msg)
	if err := c.Executor.Attempt(ctx, sub, msg, stream, skip); err != nil {
		c.Log.Error("failed to schedule retry, redelivering", "eventId", msg.ID, "subscriptionId", subID, "error", err)
		_ = d.Nack()
		return
	}
	_ = d.Ack()
}

// deliveryContext loads the sanitized stream snapshot and the admin bypass
// flag for the event's owner. Both are best-effort.
func (c *Consumer) deliveryContext(ctx context.Context, msg *model.EventMessage) (*model.Stream, bool) {
	var stream *model.Stream
	if msg.StreamID != "" {
		if s, err := c.Store.GetStream(ctx, msg.StreamID); err == nil {
			snap := s.Sanitized()
			stream = &snap
		}
	}
	skip := false
	if u, err := c.Store.GetUser(ctx, msg.UserID); err == nil && u.Admin {
		skip = true
	}
	return stream, skip
}

// recordingSuperseded re-reads the referenced stream and reports whether a
// newer session has started since the event was produced.
func (c *Consumer) recordingSuperseded(ctx context.Context, msg *model.EventMessage) bool {
	if msg.StreamID == "" || msg.SessionID == "" {
		return false
	}
	s, err := c.Store.GetStream(ctx, msg.StreamID)
	if err != nil {
		return false
	}
	return s.LastSessionID != "" && s.LastSessionID != msg.SessionID
}
