// Package metrics defines the Prometheus series SPEC_FULL.md §4.14
// describes: counters for ingest volume, job outcomes, webhook deliveries,
// and lock contention, plus a histogram of aggregation job duration. All
// series are registered on a private registry so tests can construct
// independent Metrics instances without colliding on prometheus's global
// default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for metering_aggregation_jobs_processed_total.
const (
	JobResultOK            = "ok"
	JobResultSkippedLocked = "skipped_locked"
	JobResultSkippedFinal  = "skipped_final"
	JobResultNoData        = "no_data"
	JobResultError         = "error"
)

// Result labels for metering_webhook_deliveries_total.
const (
	WebhookDelivered = "delivered"
	WebhookFailed    = "failed"
	WebhookDryRun    = "dry_run"
)

// Result labels for metering_lock_acquire_total.
const (
	LockAcquired  = "acquired"
	LockContended = "contended"
)

// Metrics bundles every series the engine emits, all registered on Registry.
type Metrics struct {
	Registry *prometheus.Registry

	EventsIngested       *prometheus.CounterVec
	AggregationJobs      *prometheus.CounterVec
	WebhookDeliveries    *prometheus.CounterVec
	LockAcquireTotal     *prometheus.CounterVec
	AggregationDuration  prometheus.Histogram
}

// New registers and returns a fresh Metrics bundle on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_events_ingested_total",
			Help: "Total usage events accepted by the ingest API, by event type.",
		}, []string{"event_type"}),
		AggregationJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_aggregation_jobs_processed_total",
			Help: "Total aggregation jobs processed, by outcome.",
		}, []string{"result"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_webhook_deliveries_total",
			Help: "Total webhook delivery attempts, by outcome.",
		}, []string{"result"}),
		LockAcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_lock_acquire_total",
			Help: "Total lock acquisition attempts, by outcome.",
		}, []string{"result"}),
		AggregationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metering_aggregation_duration_seconds",
			Help:    "Wall-clock duration of one aggregation worker run.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.EventsIngested,
		m.AggregationJobs,
		m.WebhookDeliveries,
		m.LockAcquireTotal,
		m.AggregationDuration,
	)

	return m
}
