package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamhooks/internal/buildinfo"
	"streamhooks/internal/metrics"
	"streamhooks/internal/model"
	"streamhooks/internal/store"
)

// WebhookLogHandler routes /webhook/{id}/log, /webhook/{id}/log/{logId}, and
// /webhook/{id}/log/{logId}/resend.
func (s *Server) WebhookLogHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/webhook/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[1] != "log" {
		writeProblem(w, http.StatusNotFound, "not found", "", r.URL.Path)
		return
	}
	sub, ok := s.authorizeSubscription(w, r, parts[0])
	if !ok {
		return
	}
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.listLogs(w, r, sub)
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.getLog(w, r, sub, parts[2])
	case len(parts) == 4 && parts[3] == "resend" && r.Method == http.MethodPost:
		s.resend(w, r, sub, parts[2])
	default:
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "", r.URL.Path)
	}
}

// authorizeSubscription loads the subscription and enforces owner-or-admin.
// Deleted subscriptions are indistinguishable from missing ones.
func (s *Server) authorizeSubscription(w http.ResponseWriter, r *http.Request, id string) (model.Subscription, bool) {
	sub, err := s.Store.GetSubscription(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sub.Deleted) {
		writeProblem(w, http.StatusNotFound, "webhook not found", "", r.URL.Path)
		return model.Subscription{}, false
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "store error", err.Error(), r.URL.Path)
		return model.Subscription{}, false
	}
	pr := s.getPrincipal(r)
	if !pr.Admin && pr.UserID != sub.UserID {
		writeProblem(w, http.StatusForbidden, "forbidden", "caller is neither the owner nor an admin", r.URL.Path)
		return model.Subscription{}, false
	}
	return sub, true
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request, sub model.Subscription) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	items, next, err := s.Store.ListDeliveryRecords(r.Context(), sub.ID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "store error", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request, sub model.Subscription, logID string) {
	rec, err := s.Store.GetDeliveryRecord(r.Context(), sub.ID, logID)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "delivery record not found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "store error", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) resend(w http.ResponseWriter, r *http.Request, sub model.Subscription, logID string) {
	rec, err := s.Store.GetDeliveryRecord(r.Context(), sub.ID, logID)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "delivery record not found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "store error", err.Error(), r.URL.Path)
		return
	}
	// The resend itself may fail against the receiver; the fresh record
	// carries the outcome either way.
	newRec, err := s.Executor.Resend(r.Context(), sub, rec)
	if err != nil && newRec.ID == "" {
		writeProblem(w, http.StatusInternalServerError, "resend failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, newRec)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	for k, v := range buildinfo.Info() {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// MetricsHandler serves the dedicated Prometheus registry.
func (s *Server) MetricsHandler() http.Handler {
	metrics.RegisterDefault()
	return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}

// Instrument counts and times requests for the HTTP metrics.
func Instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, fmt.Sprint(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
