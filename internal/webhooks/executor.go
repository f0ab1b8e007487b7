package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"streamhooks/internal/metrics"
	"streamhooks/internal/model"
	"streamhooks/internal/store"
)

const (
	deliveryTimeout = 5 * time.Second
	maxResponseSnap = 1024
)

// wireBody is the exact JSON shape POSTed to subscriptions.
type wireBody struct {
	ID        string          `json:"id"`
	WebhookID string          `json:"webhookId"`
	CreatedAt int64           `json:"createdAt"`
	Timestamp int64           `json:"timestamp"`
	Event     string          `json:"event"`
	Stream    *model.Stream   `json:"stream,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Executor performs delivery attempts: sign, POST with a bounded timeout,
// classify the response, record the outcome, and hand retryable failures to
// the scheduler.
type Executor struct {
	Store     store.Store
	Guard     *Guard
	Scheduler *Scheduler
	HTTP      *http.Client
	Limiter   *rate.Limiter
	UserAgent string
	Log       *slog.Logger
}

func NewExecutor(s store.Store, g *Guard, sch *Scheduler, userAgent string, rateLimit float64, log *slog.Logger) *Executor {
	if rateLimit <= 0 {
		rateLimit = 100
	}
	return &Executor{
		Store:     s,
		Guard:     g,
		Scheduler: sch,
		HTTP:      &http.Client{Timeout: deliveryTimeout},
		Limiter:   rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)),
		UserAgent: userAgent,
		Log:       log,
	}
}

// FanOut attempts delivery to every matched subscription concurrently. A
// panic or failure in one subscription's attempt never aborts the others, and
// each failing pair schedules its own retry. The returned error is non-nil
// only when a needed retry could not be parked on the broker; the caller must
// nack so the event is redelivered instead of lost.
func (e *Executor) FanOut(ctx context.Context, msg *model.EventMessage, subs []model.Subscription, stream *model.Stream, skipVerification bool) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for _, sub := range subs {
		wg.Add(1)
		go func(sub model.Subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.Log.Error("panic delivering webhook", "subscriptionId", sub.ID, "eventId", msg.ID, "panic", r)
				}
			}()
			if err := e.Attempt(ctx, sub, msg, stream, skipVerification); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Attempt runs one delivery and schedules a retry when the failure is
// retryable. Delivery failures are handled through the retry machinery; the
// returned error is non-nil only when that machinery itself failed, meaning
// the pending retry would otherwise be lost.
func (e *Executor) Attempt(ctx context.Context, sub model.Subscription, msg *model.EventMessage, stream *model.Stream, skipVerification bool) error {
	_, retryable, err := e.Deliver(ctx, sub, msg, stream, skipVerification)
	if err != nil {
		e.Log.Warn("webhook delivery failed",
			"subscriptionId", sub.ID, "eventId", msg.ID, "event", msg.Event,
			"retryable", retryable, "retries", msg.Retries, "error", err)
	}
	if retryable {
		if rerr := e.Scheduler.Retry(ctx, *msg, sub.ID); rerr != nil {
			e.Log.Error("failed to schedule webhook retry", "subscriptionId", sub.ID, "eventId", msg.ID, "error", rerr)
			return fmt.Errorf("schedule retry for subscription %s: %w", sub.ID, rerr)
		}
	}
	return nil
}

// Deliver performs exactly one HTTP delivery attempt and writes its
// DeliveryRecord. It returns the record and whether the failure is retryable
// (5xx or transport error). 2xx is terminal success; any other status is a
// terminal rejection by the receiver.
func (e *Executor) Deliver(ctx context.Context, sub model.Subscription, msg *model.EventMessage, stream *model.Stream, skipVerification bool) (model.DeliveryRecord, bool, error) {
	rec := model.DeliveryRecord{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		EventID:        msg.ID,
		UserID:         sub.UserID,
		CreatedAt:      time.Now().UnixMilli(),
		Event:          msg,
	}

	isLocal, ips, gerr := e.Guard.CheckIsLocalIP(ctx, sub.URL, skipVerification)
	if isLocal {
		metrics.SSRFBlocked.Inc()
		metrics.WebhookDeliveries.WithLabelValues(msg.Event, "blocked").Inc()
		rec.Error = "target resolves to a local address"
		if gerr != nil {
			rec.Error = fmt.Sprintf("target rejected: %v", gerr)
		}
		e.Log.Warn("webhook target blocked by url verification",
			"subscriptionId", sub.ID, "url", sub.URL, "ips", ips, "eventId", msg.ID)
		e.writeRecord(ctx, rec, sub, false)
		return rec, false, fmt.Errorf("webhook %s: %s", sub.ID, rec.Error)
	}

	now := time.Now().UnixMilli()
	body, err := json.Marshal(wireBody{
		ID:        msg.ID,
		WebhookID: sub.ID,
		CreatedAt: msg.CreatedAt,
		Timestamp: now,
		Event:     msg.Event,
		Stream:    stream,
		Payload:   msg.Payload,
	})
	if err != nil {
		rec.Error = err.Error()
		e.writeRecord(ctx, rec, sub, false)
		return rec, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		rec.Error = err.Error()
		e.writeRecord(ctx, rec, sub, false)
		return rec, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.UserAgent)
	if sub.SharedSecret != "" {
		req.Header.Set(SignatureHeader, SignatureHeaderValue(now, SignHMAC(sub.SharedSecret, body)))
	}

	if err := e.Limiter.Wait(ctx); err != nil {
		rec.Error = err.Error()
		e.writeRecord(ctx, rec, sub, false)
		return rec, true, err
	}

	start := time.Now()
	resp, err := e.HTTP.Do(req)
	rec.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		// Transport-level failure: DNS, refused connection, timeout.
		rec.Error = err.Error()
		metrics.WebhookDeliveries.WithLabelValues(msg.Event, "retrying").Inc()
		metrics.WebhookDuration.WithLabelValues(msg.Event, "retrying").Observe(time.Since(start).Seconds())
		e.writeRecord(ctx, rec, sub, false)
		return rec, true, err
	}
	defer resp.Body.Close()

	rec.StatusCode = resp.StatusCode
	rec.Response = responseSnapshot(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.WebhookDeliveries.WithLabelValues(msg.Event, "success").Inc()
		metrics.WebhookDuration.WithLabelValues(msg.Event, "success").Observe(time.Since(start).Seconds())
		e.writeRecord(ctx, rec, sub, true)
		return rec, false, nil
	case resp.StatusCode >= 500:
		rec.Error = fmt.Sprintf("receiver returned %s", resp.Status)
		metrics.WebhookDeliveries.WithLabelValues(msg.Event, "retrying").Inc()
		metrics.WebhookDuration.WithLabelValues(msg.Event, "retrying").Observe(time.Since(start).Seconds())
		e.writeRecord(ctx, rec, sub, false)
		return rec, true, fmt.Errorf("webhook %s: %s", sub.ID, rec.Error)
	default:
		// 3xx/4xx: the receiver actively rejected the payload, retrying
		// would not help.
		rec.Error = fmt.Sprintf("receiver rejected with %s", resp.Status)
		metrics.WebhookDeliveries.WithLabelValues(msg.Event, "failed").Inc()
		metrics.WebhookDuration.WithLabelValues(msg.Event, "failed").Observe(time.Since(start).Seconds())
		e.writeRecord(ctx, rec, sub, false)
		return rec, false, fmt.Errorf("webhook %s: %s", sub.ID, rec.Error)
	}
}

// Resend re-issues the one attempt described by rec against the current
// subscription configuration, bypassing matching and backoff bookkeeping. It
// always produces a fresh record; the historical one is never touched.
func (e *Executor) Resend(ctx context.Context, sub model.Subscription, rec model.DeliveryRecord) (model.DeliveryRecord, error) {
	if rec.Event == nil {
		return model.DeliveryRecord{}, fmt.Errorf("record %s has no event snapshot", rec.ID)
	}
	skip := false
	if u, err := e.Store.GetUser(ctx, sub.UserID); err == nil && u.Admin {
		skip = true
	}
	var stream *model.Stream
	if rec.Event.StreamID != "" {
		if s, err := e.Store.GetStream(ctx, rec.Event.StreamID); err == nil {
			snap := s.Sanitized()
			stream = &snap
		}
	}
	newRec, _, err := e.Deliver(ctx, sub, rec.Event, stream, skip)
	return newRec, err
}

// writeRecord persists the attempt outcome and updates the informational
// subscription status. Both are best-effort with respect to the delivery.
func (e *Executor) writeRecord(ctx context.Context, rec model.DeliveryRecord, sub model.Subscription, success bool) {
	if err := e.Store.CreateDeliveryRecord(ctx, rec); err != nil {
		e.Log.Error("failed to write delivery record", "subscriptionId", sub.ID, "eventId", rec.EventID, "error", err)
	}
	st := model.SubscriptionStatus{}
	if sub.Status != nil {
		st = *sub.Status
	}
	if success {
		st.LastTriggeredAt = rec.CreatedAt
		st.LastFailure = ""
		st.LastFailureAt = 0
	} else {
		st.LastFailure = rec.Error
		st.LastFailureAt = rec.CreatedAt
	}
	if err := e.Store.UpdateSubscriptionStatus(ctx, sub.ID, st); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.Log.Error("failed to update subscription status", "subscriptionId", sub.ID, "error", err)
	}
}

func responseSnapshot(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnap))
	if len(b) == 0 {
		return resp.Status
	}
	return resp.Status + " " + string(b)
}
