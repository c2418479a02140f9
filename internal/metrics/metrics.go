package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trafficguard"

var (
	// RequestsChecked counts pipeline verdicts per outcome.
	RequestsChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_checked_total",
		Help:      "Requests evaluated by the guard pipeline, by outcome.",
	}, []string{"outcome"})

	// CheckDuration records end-to-end pipeline latency.
	CheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "check_duration_seconds",
		Help:      "Guard pipeline latency in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// RateLimitDecisions counts rate limiter outcomes per rule.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_decisions_total",
		Help:      "Rate limiter outcomes per rule.",
	}, []string{"rule", "result"})

	// StoreErrors is the store-unavailable diagnostic counter.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Backing store failures per component and operation.",
	}, []string{"component", "op"})

	// Blocks counts block records created, by source.
	Blocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_total",
		Help:      "Block records created, by source.",
	}, []string{"source"})

	// ActiveBlocks is the number of block records seen by the last sweep.
	ActiveBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_blocks",
		Help:      "Block records present after the last janitor sweep.",
	})

	// AttacksDetected counts DDoS episodes by mitigation action.
	AttacksDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attacks_detected_total",
		Help:      "DDoS episodes detected, by mitigation action.",
	}, []string{"action"})

	// QuotaDenied counts quota denials by reason.
	QuotaDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_denied_total",
		Help:      "Quota checks that returned not-available, by reason.",
	}, []string{"reason"})

	// AbuseFindings counts abuse scorer findings per signal and severity.
	AbuseFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "abuse_findings_total",
		Help:      "Abuse scorer findings, by signal and severity.",
	}, []string{"signal", "severity"})

	// AbuseScore records the distribution of aggregate risk scores.
	AbuseScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "abuse_risk_score",
		Help:      "Aggregate risk score per assessment.",
		Buckets:   []float64{0, 10, 20, 40, 60, 80, 100, 150},
	})

	// DecisionsProcessed counts CrowdSec decisions that passed the full filter pipeline.
	DecisionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_processed_total",
		Help:      "CrowdSec decisions that passed the full filter pipeline.",
	}, []string{"action", "source"})

	// DecisionsFiltered counts CrowdSec decisions rejected per filter stage.
	DecisionsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_filtered_total",
		Help:      "CrowdSec decisions rejected per filter stage.",
	}, []string{"stage", "reason"})

	// JobsEnqueued counts jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts jobs discarded without being applied.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without being applied.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// DBSizeBytes tracks the backing store size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "Backing store size in bytes (bbolt file or redis used_memory).",
	})

	// SweepDuration records janitor sweep duration.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Janitor sweep duration in seconds.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	})

	// SweepPruned counts entries evicted by the janitor, by kind.
	SweepPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_pruned_total",
		Help:      "Entries evicted by the janitor, by kind.",
	}, []string{"kind"})
)
