// Package metrics holds the Prometheus collectors of the credit core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Ledger
	LedgerEntriesTotal *prometheus.CounterVec
	BalanceClampsTotal *prometheus.CounterVec

	// Webhooks
	WebhookEventsTotal     *prometheus.CounterVec
	WebhookDeadLetters     prometheus.Counter
	WebhookProcessDuration *prometheus.HistogramVec

	// Jobs
	JobRunsTotal    *prometheus.CounterVec
	JobRecordsTotal *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec

	// Notifier
	NotificationsTotal *prometheus.CounterVec
	ObserversConnected prometheus.Gauge
}

// New creates and registers all metrics on registry. A nil registry gets a
// private one, which keeps tests from colliding on the default registerer.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		LedgerEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_ledger_entries_total",
				Help: "Ledger entries written, by kind and source",
			},
			[]string{"kind", "source"},
		),
		BalanceClampsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_balance_clamped_total",
				Help: "Balance mutations clamped at zero, by pool",
			},
			[]string{"pool"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_webhook_events_total",
				Help: "Webhook processing attempts, by event type and outcome",
			},
			[]string{"event", "outcome"},
		),
		WebhookDeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_webhook_dead_letters_total",
				Help: "Webhook events that exhausted their retry budget",
			},
		),
		WebhookProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credits_webhook_process_duration_seconds",
				Help:    "Webhook handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_job_runs_total",
				Help: "Reconciliation job runs, by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		JobRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_job_records_total",
				Help: "Records handled by reconciliation jobs, by job and result",
			},
			[]string{"job", "result"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credits_job_duration_seconds",
				Help:    "Reconciliation job duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"job"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_notifications_total",
				Help: "Realtime notifications, by outcome",
			},
			[]string{"outcome"},
		),
		ObserversConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "credits_observers_connected",
				Help: "Websocket observers currently connected",
			},
		),
	}

	registry.MustRegister(
		m.LedgerEntriesTotal,
		m.BalanceClampsTotal,
		m.WebhookEventsTotal,
		m.WebhookDeadLetters,
		m.WebhookProcessDuration,
		m.JobRunsTotal,
		m.JobRecordsTotal,
		m.JobDuration,
		m.NotificationsTotal,
		m.ObserversConnected,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
