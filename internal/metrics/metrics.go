// Package metrics defines Prometheus metrics for the kura worker.
//
// Metric naming follows Prometheus conventions:
//   - kura_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsTotal counts processed jobs by type and terminal status
	// (completed, retried, dead).
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kura_jobs_total",
			Help: "Total number of processed jobs by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// JobDurationSeconds is a histogram of job handling duration by type.
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kura_job_duration_seconds",
			Help:    "Duration of job handling in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"type"},
	)

	// QueueLagSeconds is the delay between a job's scheduled time and its
	// claim.
	QueueLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kura_queue_lag_seconds",
			Help: "Seconds between scheduled_for and the actual claim.",
		},
		[]string{"type"},
	)

	// RecomputesTotal counts handler recomputes by dimension and status.
	RecomputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kura_recomputes_total",
			Help: "Total projection recomputes by dimension and status.",
		},
		[]string{"dimension", "status"},
	)

	// RepairsTotal counts quality-loop repair outcomes.
	RepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kura_repairs_total",
			Help: "Total repair proposals by final state.",
		},
		[]string{"state"},
	)

	// ActiveJobs is the number of jobs currently being handled.
	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kura_active_jobs",
			Help: "Number of jobs currently being handled.",
		},
	)

	// PrunedRowsTotal counts rows removed by retention maintenance.
	PrunedRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kura_pruned_rows_total",
			Help: "Total rows removed by retention maintenance.",
		},
		[]string{"table"},
	)
)

// Register adds every metric to the given registry. The worker calls this
// once with its own registry; tests use a throwaway one.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsTotal,
		JobDurationSeconds,
		QueueLagSeconds,
		RecomputesTotal,
		RepairsTotal,
		ActiveJobs,
		PrunedRowsTotal,
	)
}

// RecordJob records one handled job.
func RecordJob(jobType, outcome string, duration time.Duration) {
	JobsTotal.WithLabelValues(jobType, outcome).Inc()
	JobDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordQueueLag records the scheduling delay for a claimed job.
func RecordQueueLag(jobType string, lag time.Duration) {
	QueueLagSeconds.WithLabelValues(jobType).Set(lag.Seconds())
}

// RecordRecompute records one handler recompute.
func RecordRecompute(dimension, status string) {
	RecomputesTotal.WithLabelValues(dimension, status).Inc()
}

// RecordRepair records a repair proposal reaching a terminal state.
func RecordRepair(state string) {
	RepairsTotal.WithLabelValues(state).Inc()
}

// RecordPruned records rows removed by maintenance.
func RecordPruned(table string, rows int64) {
	PrunedRowsTotal.WithLabelValues(table).Add(float64(rows))
}
