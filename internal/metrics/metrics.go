package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service.
	Registry = prometheus.NewRegistry()

	// HTTPRequests counts API requests by method, path, and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts delivery attempt outcomes by event key and
	// result (success, retrying, failed, blocked).
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by event and result."},
		[]string{"event", "result"},
	)
	// WebhookDuration records outbound POST durations in seconds.
	WebhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_duration_seconds", Help: "Webhook delivery duration in seconds.", Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5}},
		[]string{"event", "result"},
	)
	// RetriesExhausted counts events dropped after the retry ceiling. This is
	// the engine's one deliberate data-loss path; alert on it.
	RetriesExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_retries_exhausted_total", Help: "Events dropped after exhausting retries."},
	)
	// SSRFBlocked counts deliveries vetoed by URL verification.
	SSRFBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_ssrf_blocked_total", Help: "Deliveries blocked because the target resolved to a local address."},
	)
)

var regOnce sync.Once

// RegisterDefault registers all collectors on the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookDuration)
		Registry.MustRegister(RetriesExhausted)
		Registry.MustRegister(SSRFBlocked)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}
