// Package metrics holds the prometheus instruments for the ingestion
// pipeline. All collectors register on the default registry and are served
// from the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts mailbox scans by trigger and result.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factura_scans_total",
		Help: "Mailbox discovery scans by trigger and result.",
	}, []string{"trigger", "result"})

	// MessagesDiscovered counts candidate messages found by discovery.
	MessagesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factura_messages_discovered_total",
		Help: "Candidate messages found during discovery.",
	})

	// JobsEnqueued counts jobs pushed to the queue per lane.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factura_jobs_enqueued_total",
		Help: "Extraction jobs enqueued per priority lane.",
	}, []string{"lane"})

	// ExtractionsTotal counts finished extractions by method and outcome.
	ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factura_extractions_total",
		Help: "Extraction attempts by processing method and outcome.",
	}, []string{"method", "outcome"})

	// AICallsTotal counts vision service invocations by result.
	AICallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factura_ai_calls_total",
		Help: "Vision extraction service calls by result.",
	}, []string{"result"})

	// AISkipsTotal counts messages deferred because quota was exhausted.
	AISkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factura_ai_skips_total",
		Help: "Messages skipped because the tenant AI quota was exhausted.",
	})

	// LedgerClaims counts idempotency claims by result.
	LedgerClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factura_ledger_claims_total",
		Help: "Idempotency ledger claim attempts by result.",
	}, []string{"result"})

	// JobDuration observes end-to-end job processing time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factura_job_duration_seconds",
		Help:    "End-to-end extraction job duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"outcome"})

	// LockDegraded is 1 while the distributed lock runs in local fallback
	// mode.
	LockDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "factura_lock_degraded",
		Help: "1 while the distributed lock is degraded to process-local mode.",
	})

	// QueueDepth tracks the waiting jobs per lane.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "factura_queue_depth",
		Help: "Waiting extraction jobs per priority lane.",
	}, []string{"lane"})
)
