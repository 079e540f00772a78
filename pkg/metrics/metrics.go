// Package metrics defines the Prometheus metric collectors used across the
// ingestion pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the ingestion worker.
type Metrics struct {
	EventsProcessedTotal      *prometheus.CounterVec
	EventProcessingDuration   *prometheus.HistogramVec
	EventsDroppedTotal        *prometheus.CounterVec
	IngestionWarningsTotal    *prometheus.CounterVec
	MessagesQueuedTotal       *prometheus.CounterVec
	MessagesDroppedTotal      prometheus.Counter
	BatchFlushesTotal         *prometheus.CounterVec
	ProducerQueueDepth        prometheus.Gauge
	TenantCacheHitsTotal      prometheus.Counter
	TenantCacheMissesTotal    prometheus.Counter
	GroupTypeAllocationsTotal prometheus.Counter
	DBOpenConnections         prometheus.Gauge
}

// New creates all pipeline metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_processed_total",
				Help: "Total events processed to completion by event type.",
			},
			[]string{"event_type"},
		),
		EventProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "event_processing_duration_seconds",
				Help:    "Per-event processing latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"event_type"},
		),
		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_dropped_total",
				Help: "Total events dropped by reason (invalid_uuid, unknown_tenant, recording_disabled).",
			},
			[]string{"reason"},
		),
		IngestionWarningsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_warnings_total",
				Help: "Total ingestion warnings recorded by warning type.",
			},
			[]string{"type"},
		),
		MessagesQueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "producer_messages_queued_total",
				Help: "Total messages accepted into the producer batch by topic.",
			},
			[]string{"topic"},
		),
		MessagesDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "producer_messages_dropped_total",
				Help: "Total messages dropped after repeated flush failures.",
			},
		),
		BatchFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "producer_batch_flushes_total",
				Help: "Total producer batch flushes by status.",
			},
			[]string{"status"},
		),
		ProducerQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "producer_queue_depth",
				Help: "Messages currently buffered in the producer.",
			},
		),
		TenantCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenant_cache_hits_total",
				Help: "Total tenant lookups served from the cache.",
			},
		),
		TenantCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenant_cache_misses_total",
				Help: "Total tenant lookups that fell through to the store.",
			},
		),
		GroupTypeAllocationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "group_type_allocations_total",
				Help: "Total new group-type index bindings allocated.",
			},
		),
		DBOpenConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_open_connections",
				Help: "Open connections in the relational pool.",
			},
		),
	}

	reg.MustRegister(
		m.EventsProcessedTotal,
		m.EventProcessingDuration,
		m.EventsDroppedTotal,
		m.IngestionWarningsTotal,
		m.MessagesQueuedTotal,
		m.MessagesDroppedTotal,
		m.BatchFlushesTotal,
		m.ProducerQueueDepth,
		m.TenantCacheHitsTotal,
		m.TenantCacheMissesTotal,
		m.GroupTypeAllocationsTotal,
		m.DBOpenConnections,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
