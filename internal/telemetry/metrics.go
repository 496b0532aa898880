package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CarrierErrors   *prometheus.CounterVec
	WebhookEvents   *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrierbridge_requests_total",
				Help: "Total number of requests by operation, carrier, and status",
			},
			[]string{"operation", "carrier", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carrierbridge_request_duration_seconds",
				Help:    "Request duration in seconds by operation and carrier",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "carrier"},
		),
		CarrierErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrierbridge_carrier_errors_total",
				Help: "Total carrier API errors by carrier and error type",
			},
			[]string{"carrier", "error_type"},
		),
		WebhookEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrierbridge_webhook_events_total",
				Help: "Webhook events by carrier and outcome (persisted, duplicate, rejected)",
			},
			[]string{"carrier", "outcome"},
		),
		CacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrierbridge_rate_cache_lookups_total",
				Help: "Rate cache lookups by outcome (fresh, stale, miss)",
			},
			[]string{"outcome"},
		),
		Notifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrierbridge_notifications_total",
				Help: "Customer notifications by carrier and outcome (sent, skipped, failed)",
			},
			[]string{"carrier", "outcome"},
		),
	}
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation, carrier, status string, duration float64) {
	m.RequestsTotal.WithLabelValues(operation, carrier, status).Inc()
	m.RequestDuration.WithLabelValues(operation, carrier).Observe(duration)
}

// RecordError records a carrier error metric.
func (m *Metrics) RecordError(carrier, errorType string) {
	m.CarrierErrors.WithLabelValues(carrier, errorType).Inc()
}

// RecordWebhookEvent records a webhook event outcome.
func (m *Metrics) RecordWebhookEvent(carrier, outcome string) {
	m.WebhookEvents.WithLabelValues(carrier, outcome).Inc()
}

// RecordCacheLookup records a rate cache lookup outcome.
func (m *Metrics) RecordCacheLookup(outcome string) {
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// RecordNotification records a notification outcome.
func (m *Metrics) RecordNotification(carrier, outcome string) {
	m.Notifications.WithLabelValues(carrier, outcome).Inc()
}
