package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Admissions counts rate-limit decisions by resource class and outcome (allowed, rejected, error)
	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "governor_admissions_total", Help: "Rate-limit admission decisions."},
		[]string{"class", "outcome"},
	)
	// QuotaChecks counts plan quota checks by resource and outcome (allowed, denied, fail_open)
	QuotaChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "governor_quota_checks_total", Help: "Plan quota checks."},
		[]string{"resource", "outcome"},
	)
	// IdempotencyOutcomes counts idempotency lookups (claimed, replayed, in_flight, bypass, fail_open)
	IdempotencyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "idempotency_requests_total", Help: "Idempotency cache outcomes."},
		[]string{"outcome"},
	)

	// DispatchAttempts counts provider send attempts by outcome (sent, retry, deferred, failed)
	DispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_attempts_total", Help: "Outbound provider send attempts."},
		[]string{"outcome"},
	)
	// DispatchLatency tracks provider send latency in ms
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dispatch_send_latency_ms", Help: "Provider send latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
	)

	// InboundEvents counts inbound webhook items by kind (message, status, interaction) and outcome
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_webhook_items_total", Help: "Inbound provider webhook items."},
		[]string{"kind", "outcome"},
	)

	// WebhookDeliveries counts partner webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)

	// ExecutorTasks counts background task results by kind and outcome
	ExecutorTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "executor_tasks_total", Help: "Background tasks by kind and outcome."},
		[]string{"kind", "outcome"},
	)
)

// RegisterDefault registers collectors to the API registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(Admissions)
		Registry.MustRegister(QuotaChecks)
		Registry.MustRegister(IdempotencyOutcomes)
		Registry.MustRegister(DispatchAttempts)
		Registry.MustRegister(DispatchLatency)
		Registry.MustRegister(InboundEvents)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(ExecutorTasks)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	RegisterDefault()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
