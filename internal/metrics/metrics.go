// Package metrics registers the Prometheus collectors for schedule lifecycle
// outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Leases
	LeaseAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "lease",
		Name:      "attempts_total",
		Help:      "Lease acquisition attempts by kind and outcome",
	}, []string{"kind", "outcome"})

	// Executions
	ExecutionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "execution",
		Name:      "completed_total",
		Help:      "Executions recorded, by resulting schedule status and path",
	}, []string{"final_status", "path"})

	ExecutionsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "execution",
		Name:      "duplicate_total",
		Help:      "Completion reports whose execution id was already in the ledger",
	})

	ExecutionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "execution",
		Name:      "failures_total",
		Help:      "Failed execution reports, by whether a retry was scheduled",
	}, []string{"will_retry"})

	ExecutionGasCost = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Subsystem: "execution",
		Name:      "gas_cost_gwei",
		Help:      "Total gas cost per recorded execution, in gwei",
		Buckets:   prometheus.ExponentialBuckets(1e3, 4, 10),
	})

	// Concurrency
	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "store",
		Name:      "conflict_retries_total",
		Help:      "Version conflicts retried on read-modify-write paths",
	}, []string{"operation"})

	// Sweeper
	SweepRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "sweeper",
		Name:      "repairs_total",
		Help:      "Stuck schedules handled by the sweep, by outcome",
	}, []string{"outcome"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Sweeper ticks by result",
	}, []string{"result"})

	SweepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Subsystem: "sweeper",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one sweeper tick across all owners",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Archive
	ArchiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "archive",
		Name:      "errors_total",
		Help:      "Ledger rows that could not be mirrored to ClickHouse",
	})

	// Chain
	ChainBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Subsystem: "chain",
		Name:      "breaker_open",
		Help:      "1 while the chain RPC circuit breaker is not closed",
	}, []string{"breaker"})

	ReceiptChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "chain",
		Name:      "receipt_checks_total",
		Help:      "Transaction receipt verifications by result",
	}, []string{"result"})

	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by route and status code",
	}, []string{"route", "code"})
)
