// Package metrics provides Prometheus metrics for immunet.
// Counters, gauges and histograms for the dispatch pool, the negative
// selection engine, the behavioral spatial index and the report sinks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Dispatch Pool ──────────────────────────────────────────────────────────

// PacketsEnqueued tracks datagrams copied into an analyzer buffer.
var PacketsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "packets_enqueued_total",
	Help:      "Total datagrams placed into the dispatch pool.",
}, []string{"interface"})

// PacketsDropped tracks datagrams lost to backpressure or reclaim.
var PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "packets_dropped_total",
	Help:      "Total datagrams dropped by the dispatch pool.",
}, []string{"reason"})

// PacketsAnalyzed tracks datagrams processed by consumers, by protocol.
var PacketsAnalyzed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "packets_analyzed_total",
	Help:      "Total datagrams analyzed.",
}, []string{"protocol"})

// AnalyzersActive tracks pool nodes (one consumer each).
var AnalyzersActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "immunet",
	Name:      "analyzers_active",
	Help:      "Number of analyzer nodes in the dispatch pool.",
})

// PoolReclaims tracks emergency reclaim passes that succeeded.
var PoolReclaims = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "pool_reclaims_total",
	Help:      "Total emergency buffer reclaims.",
})

// AnalyzeLatency tracks per-datagram analysis time.
var AnalyzeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "immunet",
	Name:      "analyze_latency_seconds",
	Help:      "Time spent analyzing one datagram.",
	Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
})

// ─── Negative Selection ─────────────────────────────────────────────────────

// PatternsStored tracks self patterns in pattern memory.
var PatternsStored = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "immunet",
	Name:      "patterns_stored",
	Help:      "Number of self patterns in pattern memory.",
})

// DetectorsActive tracks non-zeroed detectors.
var DetectorsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "immunet",
	Name:      "detectors_active",
	Help:      "Number of usable detectors.",
})

// PatternOutcomes tracks register_pattern results.
var PatternOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "pattern_outcomes_total",
	Help:      "Pattern registrations by outcome.",
}, []string{"outcome"})

// DetectorRegenFailures tracks detectors zeroed after exhausting attempts.
var DetectorRegenFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "detector_regen_failures_total",
	Help:      "Detectors zeroed because no non-self candidate was found.",
})

// ─── Spatial Index ──────────────────────────────────────────────────────────

// TreeRebuilds tracks rebuild-on-expansion events.
var TreeRebuilds = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "tree_rebuilds_total",
	Help:      "Total k-d tree rebuilds caused by out-of-bounds statistics.",
})

// TreeLeaves tracks leaves holding learned bounds.
var TreeLeaves = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "immunet",
	Name:      "tree_leaves",
	Help:      "Number of populated leaves in the behavioral k-d tree.",
})

// StatRollovers tracks statistics periods closed.
var StatRollovers = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "stat_rollovers_total",
	Help:      "Total statistics collection periods closed.",
})

// ─── Anomalies ──────────────────────────────────────────────────────────────

// Anomalies tracks reported anomalies by kind.
var Anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "anomalies_total",
	Help:      "Total anomalies reported, by kind.",
}, []string{"kind"})

// ReportsDropped tracks reports the store sink skipped or failed to write.
var ReportsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "reports_dropped_total",
	Help:      "Reports not persisted, by reason (error, circuit_open).",
}, []string{"reason"})

// StoreBreakerState tracks the report store circuit breaker (0=closed, 1=open, 2=half-open).
var StoreBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "immunet",
	Name:      "report_store_breaker_state",
	Help:      "Report store circuit breaker state (0=closed, 1=open, 2=half-open).",
})

// ─── Persistence ────────────────────────────────────────────────────────────

// SnapshotsSaved tracks detector snapshots written.
var SnapshotsSaved = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "immunet",
	Name:      "snapshots_saved_total",
	Help:      "Total detector snapshots persisted.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "immunet",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
