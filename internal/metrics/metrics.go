package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SourcesByState tracks how many sources sit in each lifecycle state.
	SourcesByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shepherd_sources",
			Help: "Number of managed sources by lifecycle state",
		},
		[]string{"state"},
	)

	// SourceFailuresTotal tracks classified failures per category.
	SourceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_source_failures_total",
			Help: "Total number of classified source failures",
		},
		[]string{"category"},
	)

	// RecoveryAttemptsTotal tracks recovery attempts per outcome.
	RecoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_recovery_attempts_total",
			Help: "Total number of recovery attempts",
		},
		[]string{"outcome"},
	)

	// RecoveryExhaustedTotal counts sources that ran out of attempts.
	RecoveryExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_recovery_exhausted_total",
			Help: "Total number of sources whose recovery attempts were exhausted",
		},
	)

	// BreakerTransitionsTotal counts circuit breaker state transitions.
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_breaker_transitions_total",
			Help: "Total number of circuit breaker transitions",
		},
		[]string{"to"},
	)

	// ProbeLatency tracks liveness probe latency.
	ProbeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shepherd_probe_latency_seconds",
			Help:    "Liveness probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// QuarantinedSources tracks how many sources are quarantined.
	QuarantinedSources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_quarantined_sources",
			Help: "Number of sources currently quarantined",
		},
	)

	// EventsTotal counts emitted source events per type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_events_total",
			Help: "Total number of emitted source events",
		},
		[]string{"type"},
	)
)
