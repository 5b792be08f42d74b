package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchAttempts counts outbound HTTP attempts by outcome
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killstory_fetch_attempts_total",
			Help: "Total number of outbound HTTP attempts",
		},
		[]string{"outcome"},
	)

	// FetchLatency tracks outbound HTTP latency
	FetchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "killstory_fetch_latency_seconds",
			Help:    "Outbound HTTP latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killstory_batch_flushes_total",
			Help: "Total number of batch flushes",
		},
	)

	// BatchSize tracks the number of records per flushed batch
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "killstory_batch_size",
			Help:    "Number of killmails per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	KillmailsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killstory_killmails_saved_total",
			Help: "Total number of killmails persisted",
		},
	)

	// KillmailsSkipped counts killmails abandoned during ingestion by reason
	KillmailsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killstory_killmails_skipped_total",
			Help: "Total number of killmails skipped",
		},
		[]string{"reason"},
	)

	// Runs counts pipeline runs by result
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killstory_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"result"},
	)

	CharacterFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killstory_character_failures_total",
			Help: "Total number of owned characters whose processing was abandoned",
		},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "killstory_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
)
