// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline: scanner, partitioner, scheduler, worker, coordinator and
// consolidator all record into these package vars, served over /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scanner / partitioner metrics
	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_scan_duration_seconds",
			Help:    "Time taken to complete a heatmap scan, by feed",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"feed"},
	)

	ScanAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_scan_api_calls_total",
			Help: "Total adapter count() calls issued by the heatmap scanner",
		},
		[]string{"feed"},
	)

	PartitionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_partitions_total",
			Help: "Number of partitions produced by the most recent scan, by feed",
		},
		[]string{"feed"},
	)

	// Run / scheduler metrics
	RunsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runs_started_total",
			Help: "Total runs created by the scheduler, by feed and run_type",
		},
		[]string{"feed", "run_type"},
	)

	RunStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_run_status",
			Help: "1 if the named run is currently in the given status, else 0",
		},
		[]string{"feed", "status"},
	)

	// Worker metrics
	PagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_worker_pages_processed_total",
			Help: "Total pages successfully processed by workers, by feed",
		},
		[]string{"feed"},
	)

	RecordsUpsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_worker_records_upserted_total",
			Help: "Total raw records upserted by workers, by feed",
		},
		[]string{"feed"},
	)

	PartitionsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_worker_partitions_failed_total",
			Help: "Total partitions that terminated in a failed state, by feed",
		},
		[]string{"feed"},
	)

	PartitionsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_worker_partitions_completed_total",
			Help: "Total partitions that terminated successfully, by feed",
		},
		[]string{"feed"},
	)

	WorkerPageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_worker_page_latency_seconds",
			Help:    "Time to process one work item (one page), by feed",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"feed"},
	)

	IdempotencySkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_worker_idempotency_skips_total",
			Help: "Total work items acked without state change (stale or duplicate delivery)",
		},
		[]string{"feed", "reason"},
	)

	// Coordinator metrics
	ConsolidateEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_coordinator_consolidate_emitted_total",
			Help: "Total CONSOLIDATE messages emitted, by feed and force flag",
		},
		[]string{"feed", "forced"},
	)

	RunFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_coordinator_run_failed_total",
			Help: "Total runs the coordinator declared failed, by feed",
		},
		[]string{"feed"},
	)

	StalledRunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_coordinator_stalled_runs",
			Help: "Set to 1 for a feed once one of its runs has been reported as stalled",
		},
		[]string{"feed"},
	)

	// Rate limiter metrics
	RateLimiterQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_ratelimiter_queue_depth",
			Help: "Current number of callers waiting on the rate limiter, by endpoint",
		},
		[]string{"endpoint"},
	)

	RateLimiterRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_ratelimiter_rejected_total",
			Help: "Total acquire() calls that timed out waiting for a token, by endpoint",
		},
		[]string{"endpoint"},
	)

	// Consolidator metrics
	ConsolidationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_consolidation_duration_seconds",
			Help:    "Time taken for a consolidation pass, by feed",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"feed"},
	)

	ConsolidationNoopSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_consolidation_noop_suppressed_total",
			Help: "Total diamond upserts suppressed because nothing material changed",
		},
		[]string{"feed"},
	)
)

func init() {
	prometheus.MustRegister(
		ScanDuration,
		ScanAPICallsTotal,
		PartitionsTotal,
		RunsStartedTotal,
		RunStatus,
		PagesProcessedTotal,
		RecordsUpsertedTotal,
		PartitionsFailedTotal,
		PartitionsCompletedTotal,
		WorkerPageLatency,
		IdempotencySkipsTotal,
		ConsolidateEmittedTotal,
		RunFailedTotal,
		StalledRunsTotal,
		RateLimiterQueueDepth,
		RateLimiterRejectedTotal,
		ConsolidationDuration,
		ConsolidationNoopSuppressedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
