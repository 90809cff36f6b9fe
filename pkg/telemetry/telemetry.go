// Package telemetry exposes prometheus metrics for the projection pipeline.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's prometheus collectors. All collectors are
// registered on an owned registry so tests can create independent instances.
type Metrics struct {
	registry *prometheus.Registry

	OutboxPublished  prometheus.Counter
	OutboxFailed     prometheus.Counter
	RouterProcessed  *prometheus.CounterVec
	RouterSkipped    prometheus.Counter
	RouterDeadLetter prometheus.Counter
	AuditMirrorDrops prometheus.Counter

	ProjectionsUpserted  prometheus.Counter
	ProjectionsNotFound  prometheus.Counter
	ProjectionDurationMs prometheus.Histogram

	IndexesEnsured   prometheus.Counter
	IndexesFailed    prometheus.Counter
	PatternsRecorded prometheus.Counter
	IndexesAutoMade  prometheus.Counter

	DocumentsArchived prometheus.Counter
	DocumentsExpired  prometheus.Counter
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_outbox_published_total",
			Help: "Outbox rows successfully published to the broker.",
		}),
		OutboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_outbox_failed_total",
			Help: "Outbox rows marked failed after a publish error.",
		}),
		RouterProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readbridge_router_processed_total",
			Help: "Messages dispatched and committed, by topic.",
		}, []string{"topic"}),
		RouterSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_router_skipped_total",
			Help: "Malformed messages skipped and committed.",
		}),
		RouterDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_router_dead_letter_total",
			Help: "Messages moved to the dead-letter collection.",
		}),
		AuditMirrorDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_audit_mirror_dropped_total",
			Help: "Audit-log mirror writes that failed and were swallowed.",
		}),
		ProjectionsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_projections_upserted_total",
			Help: "Aggregate documents materialized into the read store.",
		}),
		ProjectionsNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_projections_not_found_total",
			Help: "Projection requests whose source entity was missing.",
		}),
		ProjectionDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "readbridge_projection_duration_ms",
			Help:    "Projection latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		IndexesEnsured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_indexes_ensured_total",
			Help: "Indexes created by the catalog.",
		}),
		IndexesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_indexes_failed_total",
			Help: "Index creations that failed and were skipped.",
		}),
		PatternsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_query_patterns_recorded_total",
			Help: "Query pattern observations recorded.",
		}),
		IndexesAutoMade: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_indexes_auto_created_total",
			Help: "Indexes auto-created by the optimizer.",
		}),
		DocumentsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_documents_archived_total",
			Help: "Documents copied to an archive collection.",
		}),
		DocumentsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readbridge_documents_expired_total",
			Help: "Archived originals deleted from the live collection.",
		}),
	}

	reg.MustRegister(
		m.OutboxPublished, m.OutboxFailed,
		m.RouterProcessed, m.RouterSkipped, m.RouterDeadLetter, m.AuditMirrorDrops,
		m.ProjectionsUpserted, m.ProjectionsNotFound, m.ProjectionDurationMs,
		m.IndexesEnsured, m.IndexesFailed, m.PatternsRecorded, m.IndexesAutoMade,
		m.DocumentsArchived, m.DocumentsExpired,
	)
	return m
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
