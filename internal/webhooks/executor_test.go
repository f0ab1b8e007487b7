package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"streamhooks/internal/model"
	"streamhooks/internal/store"
)

func newTestExecutor(t *testing.T, mem *store.Memory, fb *fakeBroker, skipGuard bool) *Executor {
	t.Helper()
	g := NewGuard(skipGuard)
	e := NewExecutor(mem, g, NewScheduler(fb, 20, discardLogger()), "streamhooks/test", 1000, discardLogger())
	return e
}

func seedSubscription(t *testing.T, mem *store.Memory, s model.Subscription) model.Subscription {
	t.Helper()
	out, err := mem.CreateSubscription(context.Background(), s)
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return out
}

func TestDeliverSuccessAndSignature(t *testing.T) {
	var gotBody []byte
	var gotSig, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(204)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	sub := seedSubscription(t, mem, model.Subscription{ID: "sub1", UserID: "u1", URL: srv.URL, SharedSecret: "topsecret", Events: []string{model.EventStreamStarted}})
	e := newTestExecutor(t, mem, &fakeBroker{}, true)

	msg := &model.EventMessage{ID: "evt1", Event: model.EventStreamStarted, CreatedAt: 1700000000000, UserID: "u1", Payload: json.RawMessage(`{"playbackId":"pb1"}`)}
	stream := &model.Stream{ID: "st1", UserID: "u1", PlaybackID: "pb1"}
	rec, retryable, err := e.Deliver(context.Background(), sub, msg, stream, false)
	if err != nil || retryable {
		t.Fatalf("deliver: err=%v retryable=%v", err, retryable)
	}
	if rec.StatusCode != 204 {
		t.Fatalf("status = %d, want 204", rec.StatusCode)
	}

	var body wireBody
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("bad wire body: %v", err)
	}
	if body.ID != "evt1" || body.WebhookID != "sub1" || body.Event != model.EventStreamStarted || body.CreatedAt != 1700000000000 {
		t.Fatalf("wire body = %+v", body)
	}
	if body.Stream == nil || body.Stream.ID != "st1" {
		t.Fatalf("stream snapshot missing: %+v", body.Stream)
	}
	if gotUA != "streamhooks/test" {
		t.Fatalf("user-agent = %q", gotUA)
	}

	// Header is t=<millis>,v1=<hex hmac over the exact body bytes>.
	if !strings.HasPrefix(gotSig, "t=") || !strings.Contains(gotSig, ",v1=") {
		t.Fatalf("signature header = %q", gotSig)
	}
	v1 := gotSig[strings.Index(gotSig, ",v1=")+len(",v1="):]
	if !VerifyHMAC("topsecret", gotBody, v1) {
		t.Fatalf("signature does not verify: %q over %s", v1, gotBody)
	}

	recs, _, _ := mem.ListDeliveryRecords(context.Background(), "sub1", "", 10)
	if len(recs) != 1 || recs[0].StatusCode != 204 {
		t.Fatalf("records = %+v", recs)
	}
	got, _ := mem.GetSubscription(context.Background(), "sub1")
	if got.Status == nil || got.Status.LastTriggeredAt == 0 {
		t.Fatalf("subscription status not updated: %+v", got.Status)
	}
}

func TestDeliverNoSecretNoSignature(t *testing.T) {
	var sawSig atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSig.Store(r.Header.Get(SignatureHeader) != "")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	sub := seedSubscription(t, mem, model.Subscription{ID: "sub1", UserID: "u1", URL: srv.URL, Events: []string{model.EventStreamStarted}})
	e := newTestExecutor(t, mem, &fakeBroker{}, true)
	if _, _, err := e.Deliver(context.Background(), sub, &model.EventMessage{ID: "e1", Event: model.EventStreamStarted, UserID: "u1"}, nil, false); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if sawSig.Load() {
		t.Fatal("signature header sent without a shared secret")
	}
}

func TestDeliverTerminalRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	sub := seedSubscription(t, mem, model.Subscription{ID: "sub1", UserID: "u1", URL: srv.URL, Events: []string{model.EventStreamStarted}})
	fb := &fakeBroker{}
	e := newTestExecutor(t, mem, fb, true)

	msg := &model.EventMessage{ID: "e1", Event: model.EventStreamStarted, UserID: "u1"}
	e.Attempt(context.Background(), sub, msg, nil, false)
	if n := len(fb.delayedPubs()); n != 0 {
		t.Fatalf("4xx scheduled %d retries, want 0", n)
	}
	recs, _, _ := mem.ListDeliveryRecords(context.Background(), "sub1", "", 10)
	if len(recs) != 1 || recs[0].StatusCode != 400 || recs[0].Error == "" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestDeliverRetryableFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	mem := store.NewMemory()
	sub := seedSubscription(t, mem, model.Subscription{ID: "sub1", UserID: "u1", URL: srv.URL, Events: []string{model.EventStreamStarted}})
	fb := &fakeBroker{}
	e := newTestExecutor(t, mem, fb, true)

	msg := &model.EventMessage{ID: "e1", Event: model.EventStreamStarted, UserID: "u1"}
	e.Attempt(context.Background(), sub, msg, nil, false)
	delayed := fb.delayedPubs()
	if len(delayed) != 1 || delayed[0].msg.Retries != 1 {
		t.Fatalf("5xx retries = %+v", delayed)
	}

	// Transport error after the server goes away is retryable too.
	srv.Close()
	e.Attempt(context.Background(), sub, msg, nil, false)
	delayed = fb.delayedPubs()
	if len(delayed) != 2 {
		t.Fatalf("transport error not retried: %+v", delayed)
	}
	recs, _, _ := mem.ListDeliveryRecords(context.Background(), "sub1", "", 10)
	if len(recs) != 2 {
		t.Fatalf("want a record per attempt, got %d", len(recs))
	}
	if recs[1].StatusCode != 0 || recs[1].Error == "" {
		t.Fatalf("transport record = %+v", recs[1])
	}
}

func TestAttemptSurfacesSchedulingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	sub := seedSubscription(t, mem, model.Subscription{ID: "sub1", UserID: "u1", URL: srv.URL, Events: []string{model.EventStreamStarted}})
	fb := &fakeBroker{delayedErr: errors.New("broker unavailable")}
	e := newTestExecutor(t, mem, fb, true)

	msg := &model.EventMessage{ID: "e1", Event: model.EventStreamStarted, UserID: "u1"}
	if err := e.Attempt(context.Background(), sub, msg, nil, false); err == nil {
		t.Fatal("lost retry not surfaced; the caller cannot nack")
	}
	if err := e.FanOut(context.Background(), msg, []model.Subscription{sub}, nil, true); err == nil {
		t.Fatal("fan-out swallowed the scheduling failure")
	}

	// Terminal outcomes never need the scheduler, so the broken broker is
	// irrelevant to them.
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer ok.Close()
	sub.URL = ok.URL
	if err := e.Attempt(context.Background(), sub, msg, nil, false); err != nil {
		t.Fatalf("successful delivery reported scheduling error: %v", err)
	}
}

func TestDeliverBlockedByGuard(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	// httptest listens on 127.0.0.1, which is exactly what the guard vetoes.
	sub := seedSubscription(t, mem, model.Subscription{ID: "sub1", UserID: "u1", URL: srv.URL, Events: []string{model.EventStreamStarted}})
	fb := &fakeBroker{}
	e := newTestExecutor(t, mem, fb, false)

	msg := &model.EventMessage{ID: "e1", Event: model.EventStreamStarted, UserID: "u1"}
	e.Attempt(context.Background(), sub, msg, nil, false)
	if calls.Load() != 0 {
		t.Fatal("blocked target still received an HTTP call")
	}
	if len(fb.delayedPubs()) != 0 {
		t.Fatal("security veto must not be retried")
	}
	recs, _, _ := mem.ListDeliveryRecords(context.Background(), "sub1", "", 10)
	if len(recs) != 1 || recs[0].Error == "" {
		t.Fatalf("veto record = %+v", recs)
	}

	// Per-call skip delivers to the same target.
	e.Attempt(context.Background(), sub, msg, nil, true)
	if calls.Load() != 1 {
		t.Fatal("skip did not bypass verification")
	}
}

func TestRetryIndependence(t *testing.T) {
	var flakyCalls, steadyCalls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if flakyCalls.Add(1) <= 3 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(204)
	}))
	defer flaky.Close()
	steady := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		steadyCalls.Add(1)
		w.WriteHeader(204)
	}))
	defer steady.Close()

	mem := store.NewMemory()
	mem.PutUser(model.User{ID: "u1", Email: "u1@example.com"})
	subA := seedSubscription(t, mem, model.Subscription{ID: "subA", UserID: "u1", URL: flaky.URL, Events: []string{model.EventStreamStarted}})
	subB := seedSubscription(t, mem, model.Subscription{ID: "subB", UserID: "u1", URL: steady.URL, Events: []string{model.EventStreamStarted}})
	fb := &fakeBroker{}
	e := newTestExecutor(t, mem, fb, true)

	msg := &model.EventMessage{ID: "e1", Event: model.EventStreamStarted, UserID: "u1"}
	e.FanOut(context.Background(), msg, []model.Subscription{subA, subB}, nil, true)

	// Drive the retry loop by hand: each delayed publication is one future
	// attempt for exactly one subscription.
	for i := 0; i < 10; i++ {
		delayed := fb.delayedPubs()
		if len(delayed) == i {
			break
		}
		p := delayed[len(delayed)-1]
		sub := subA
		if p.key != "webhooks.subA" {
			t.Fatalf("unexpected retry key %q", p.key)
		}
		retryMsg := p.msg
		e.Attempt(context.Background(), sub, &retryMsg, nil, true)
	}

	if got := flakyCalls.Load(); got != 4 {
		t.Fatalf("flaky endpoint calls = %d, want 4 (3 failures + success)", got)
	}
	if got := steadyCalls.Load(); got != 1 {
		t.Fatalf("steady endpoint calls = %d, want exactly 1", got)
	}
	delayed := fb.delayedPubs()
	if len(delayed) != 3 {
		t.Fatalf("retries scheduled = %d, want 3", len(delayed))
	}
	last := delayed[len(delayed)-1].msg
	if last.Retries != 3 || last.LastInterval != CalcBackoff(CalcBackoff(5000)) {
		t.Fatalf("final retry metadata = %+v", last)
	}
}

func TestResendProducesFreshRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	mem.PutUser(model.User{ID: "u1", Email: "u1@example.com"})
	sub := seedSubscription(t, mem, model.Subscription{ID: "sub1", UserID: "u1", URL: srv.URL, Events: []string{model.EventStreamStarted}})
	e := newTestExecutor(t, mem, &fakeBroker{}, true)

	orig := model.DeliveryRecord{
		ID:             "rec1",
		SubscriptionID: "sub1",
		EventID:        "e1",
		UserID:         "u1",
		StatusCode:     500,
		Error:          "receiver returned 500",
		CreatedAt:      1700000000000,
		Event:          &model.EventMessage{ID: "e1", Event: model.EventStreamStarted, UserID: "u1"},
	}
	if err := mem.CreateDeliveryRecord(context.Background(), orig); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	r1, err := e.Resend(context.Background(), sub, orig)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	r2, err := e.Resend(context.Background(), sub, orig)
	if err != nil {
		t.Fatalf("second resend: %v", err)
	}
	if r1.ID == orig.ID || r2.ID == orig.ID || r1.ID == r2.ID {
		t.Fatalf("resend record ids not fresh: %s %s %s", orig.ID, r1.ID, r2.ID)
	}
	kept, err := mem.GetDeliveryRecord(context.Background(), "sub1", "rec1")
	if err != nil || kept.StatusCode != 500 || kept.CreatedAt != 1700000000000 {
		t.Fatalf("original record mutated: %+v (err %v)", kept, err)
	}
	recs, _, _ := mem.ListDeliveryRecords(context.Background(), "sub1", "", 10)
	if len(recs) != 3 {
		t.Fatalf("records = %d, want original + 2 resends", len(recs))
	}
}
