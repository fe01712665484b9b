// Package metrics holds the Prometheus collectors for the ingestion
// pipeline. Collectors register with the default registry on import and are
// served by promhttp on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessbridge_events_ingested_total",
			Help: "Vendor events received, by source and storage result",
		},
		[]string{"source", "result"}, // "webhook"|"fetch", "stored"|"duplicate"|"error"
	)

	FetchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessbridge_fetch_runs_total",
			Help: "Vendor fetch runs by result",
		},
		[]string{"result"},
	)

	// Processing
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessbridge_events_processed_total",
			Help: "Raw events handled by the processor, by outcome",
		},
		[]string{"outcome"}, // "attendance"|"denial"|"unmapped"|"dropped"|"failed"|"lease_lost"
	)

	ProcessRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accessbridge_process_run_duration_seconds",
			Help:    "Duration of one processor batch run",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProcessBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accessbridge_process_batch_size",
			Help:    "Number of events claimed per processor run",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)

	// Queue
	ProcessTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessbridge_process_triggers_total",
			Help: "Process-branch commands by result",
		},
		[]string{"result"}, // "enqueued"|"enqueue_error"|"handled"|"poisoned"
	)

	// Vendor
	VendorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessbridge_vendor_requests_total",
			Help: "Hikvision API requests by result",
		},
		[]string{"result"}, // "success"|"error"|"breaker_open"
	)

	VendorRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accessbridge_vendor_request_duration_seconds",
			Help:    "Hikvision API request latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "accessbridge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Member cache
	MemberCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessbridge_member_cache_lookups_total",
			Help: "Member resolution cache lookups by result",
		},
		[]string{"result"}, // "hit"|"miss"|"error"
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accessbridge_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveHTTP records one finished HTTP request.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
