package webhooks

import (
	"context"
	"log/slog"
	"time"

	"streamhooks/internal/broker"
	"streamhooks/internal/metrics"
	"streamhooks/internal/model"
)

const (
	// Intervals are in milliseconds because that is how they travel on the
	// message.
	backoffFloorMS   = 1000
	initialBackoffMS = 5000
	backoffCoeff     = 1.2
	maxBackoffMS     = 10 * 60 * 1000

	// DefaultMaxRetries is the retry ceiling per (event, subscription) pair.
	DefaultMaxRetries = 20
)

// CalcBackoff computes the next retry interval from the previous one: start
// at 5s, multiply by 1.2, cap at 10 minutes.
func CalcBackoff(lastIntervalMS int64) int64 {
	if lastIntervalMS < backoffFloorMS {
		return initialBackoffMS
	}
	next := int64(float64(lastIntervalMS) * backoffCoeff)
	if next > maxBackoffMS {
		return maxBackoffMS
	}
	return next
}

// Scheduler re-injects failed deliveries into the broker after a backoff
// delay. Retry state rides on the message copy, so each (event, subscription)
// pair backs off independently and pending retries survive process restarts.
type Scheduler struct {
	Broker     broker.Broker
	MaxRetries int
	Log        *slog.Logger
}

func NewScheduler(b broker.Broker, maxRetries int, log *slog.Logger) *Scheduler {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Scheduler{Broker: b, MaxRetries: maxRetries, Log: log}
}

// Retry schedules one more attempt for the subscription, or drops the event
// permanently once the ceiling is hit. The drop is deliberate data loss and
// is logged and counted so it can be alerted on.
func (s *Scheduler) Retry(ctx context.Context, msg model.EventMessage, subscriptionID string) error {
	if msg.Retries >= s.MaxRetries {
		metrics.RetriesExhausted.Inc()
		s.Log.Error("dropping event after exhausting retries",
			"eventId", msg.ID, "event", msg.Event, "subscriptionId", subscriptionID, "retries", msg.Retries)
		return nil
	}
	next := CalcBackoff(msg.LastInterval)
	msg.Retries++
	msg.LastInterval = next
	msg.Status = "pending"
	key := broker.SubscriptionRoutingKey(subscriptionID)
	return s.Broker.PublishDelayed(ctx, key, &msg, time.Duration(next)*time.Millisecond)
}
