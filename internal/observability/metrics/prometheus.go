// Package metrics provides Prometheus metrics for the prescription workflow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	PrescriptionsCreated  prometheus.Counter
	PrescriptionsDeleted  prometheus.Counter
	DuplicateRequests     prometheus.Counter
	StatusChanges         *prometheus.CounterVec
	OperationDuration     *prometheus.HistogramVec
	Notifications         *prometheus.CounterVec
	NotificationsDropped  prometheus.Counter
	ActivityLogFailures   prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		PrescriptionsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_deleted_total",
			Help: "Total prescriptions hard-deleted by admins",
		}),
		DuplicateRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_duplicate_requests_total",
			Help: "Requests rejected by duplicate-request suppression",
		}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_status_changes_total",
			Help: "Status transitions by target status",
		}, []string{"status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prescription_operation_duration_seconds",
			Help:    "Prescription operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification deliveries by channel and outcome",
		}, []string{"channel", "outcome"}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notifications that could not be queued",
		}),
		ActivityLogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activity_log_write_failures_total",
			Help: "Activity log entries that failed to persist",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionsCreated,
		m.PrescriptionsDeleted,
		m.DuplicateRequests,
		m.StatusChanges,
		m.OperationDuration,
		m.Notifications,
		m.NotificationsDropped,
		m.ActivityLogFailures,
		m.KafkaMessagesProduced,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDuration records how long operation took since start.
func (m *Metrics) ObserveDuration(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Created counts a new prescription.
func (m *Metrics) Created() {
	if m == nil {
		return
	}
	m.PrescriptionsCreated.Inc()
}

// Deleted counts a hard delete.
func (m *Metrics) Deleted() {
	if m == nil {
		return
	}
	m.PrescriptionsDeleted.Inc()
}

// Duplicate counts a suppressed duplicate request.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.DuplicateRequests.Inc()
}

// StatusChanged counts a transition into status.
func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.StatusChanges.WithLabelValues(status).Inc()
}

// Notification counts one delivery attempt.
func (m *Metrics) Notification(channel, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, outcome).Inc()
}

// NotificationDropped counts a notification that never reached the queue.
func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

// Produced counts a message published to Kafka.
func (m *Metrics) Produced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// SetOutboxPending reports the outbox backlog.
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState reports a circuit breaker state.
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}
