package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"streamhooks/internal/auth"
	"streamhooks/internal/broker"
	"streamhooks/internal/model"
	"streamhooks/internal/store"
	"streamhooks/internal/webhooks"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	b := broker.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := webhooks.NewGuard(true)
	exec := webhooks.NewExecutor(mem, guard, webhooks.NewScheduler(b, 20, log), "streamhooks/test", 1000, log)
	return &Server{
		Store:    mem,
		Broker:   b,
		Executor: exec,
		Auth:     auth.NewVerifier("dev", "", ""),
		Log:      log,
	}, mem
}

func seed(t *testing.T, mem *store.Memory, target string) (model.Subscription, model.DeliveryRecord) {
	t.Helper()
	mem.PutUser(model.User{ID: "u1", Email: "u1@example.com"})
	sub, err := mem.CreateSubscription(context.Background(), model.Subscription{
		ID: "sub1", UserID: "u1", URL: target, Events: []string{model.EventStreamStarted},
	})
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	rec := model.DeliveryRecord{
		ID:             "rec1",
		SubscriptionID: sub.ID,
		EventID:        "e1",
		UserID:         "u1",
		StatusCode:     500,
		Error:          "receiver returned 500",
		CreatedAt:      1700000000000,
		Event:          &model.EventMessage{ID: "e1", Event: model.EventStreamStarted, UserID: "u1"},
	}
	if err := mem.CreateDeliveryRecord(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return sub, rec
}

func TestResendEndpoint(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer target.Close()

	s, mem := newTestServer(t)
	sub, rec := seed(t, mem, target.URL)

	req := httptest.NewRequest(http.MethodPost, "/webhook/"+sub.ID+"/log/"+rec.ID+"/resend", nil)
	req.Header.Set("X-User-Id", "u1")
	w := httptest.NewRecorder()
	s.WebhookLogHandler(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var got model.DeliveryRecord
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if got.ID == rec.ID || got.StatusCode != 204 {
		t.Fatalf("resend record = %+v", got)
	}

	// The original record is untouched and the log now has both.
	orig, err := mem.GetDeliveryRecord(context.Background(), sub.ID, rec.ID)
	if err != nil || orig.StatusCode != 500 {
		t.Fatalf("original = %+v (err %v)", orig, err)
	}
	recs, _, _ := mem.ListDeliveryRecords(context.Background(), sub.ID, "", 10)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
}

func TestResendAuthz(t *testing.T) {
	s, mem := newTestServer(t)
	sub, rec := seed(t, mem, "https://hooks.example/h")

	// Neither owner nor admin.
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+sub.ID+"/log/"+rec.ID+"/resend", nil)
	req.Header.Set("X-User-Id", "intruder")
	w := httptest.NewRecorder()
	s.WebhookLogHandler(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}

	// Admin may resend someone else's webhook.
	req = httptest.NewRequest(http.MethodGet, "/webhook/"+sub.ID+"/log/"+rec.ID, nil)
	req.Header.Set("X-User-Id", "ops")
	req.Header.Set("X-Admin", "true")
	w = httptest.NewRecorder()
	s.WebhookLogHandler(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("admin get status = %d", w.Code)
	}
}

func TestResendNotFound(t *testing.T) {
	s, mem := newTestServer(t)
	sub, _ := seed(t, mem, "https://hooks.example/h")

	for _, path := range []string{
		"/webhook/nosuchsub/log/rec1/resend",
		"/webhook/" + sub.ID + "/log/nosuchrec/resend",
	} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-User-Id", "u1")
		req.Header.Set("X-Admin", "true")
		w := httptest.NewRecorder()
		s.WebhookLogHandler(w, req)
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, w.Code)
		}
	}

	// Soft-deleted subscriptions look missing.
	_, _ = mem.CreateSubscription(context.Background(), model.Subscription{
		ID: "gone", UserID: "u1", URL: "https://hooks.example/h", Deleted: true, Events: []string{model.EventStreamStarted},
	})
	req := httptest.NewRequest(http.MethodGet, "/webhook/gone/log", nil)
	req.Header.Set("X-User-Id", "u1")
	w := httptest.NewRecorder()
	s.WebhookLogHandler(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("deleted subscription status = %d, want 404", w.Code)
	}
}

func TestListLogs(t *testing.T) {
	s, mem := newTestServer(t)
	sub, _ := seed(t, mem, "https://hooks.example/h")

	req := httptest.NewRequest(http.MethodGet, "/webhook/"+sub.ID+"/log?limit=10", nil)
	req.Header.Set("X-User-Id", "u1")
	w := httptest.NewRecorder()
	s.WebhookLogHandler(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Items []model.DeliveryRecord `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].ID != "rec1" {
		t.Fatalf("items = %+v", body.Items)
	}
}
