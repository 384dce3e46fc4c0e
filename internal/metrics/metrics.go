// Package metrics provides Prometheus metrics for monitoring scheduler runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codefleet_tasks_completed_total",
			Help: "Total number of tasks that passed and merged",
		},
		[]string{"category"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codefleet_tasks_failed_total",
			Help: "Total number of tasks that failed",
		},
		[]string{"category"},
	)
	TasksNeedingReview = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codefleet_tasks_needs_review_total",
			Help: "Total number of tasks parked for human review",
		},
		[]string{"category", "reason"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codefleet_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"category", "status"},
	)
	RateLimitEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codefleet_rate_limit_events_total",
			Help: "Total number of rate limit responses from coder backends",
		},
	)
	WorkerReductions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codefleet_worker_reductions_total",
			Help: "Total number of times the worker pool was halved",
		},
	)
	WorkspacesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codefleet_workspaces_active",
			Help: "Number of isolated workspaces currently alive",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codefleet_workers_active",
			Help: "Current worker pool size",
		},
	)
	MergeConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codefleet_merge_conflicts_total",
			Help: "Total number of merges that fell through to human review",
		},
	)
	AttemptScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codefleet_attempt_score",
			Help:    "Weighted scores of best-of-N attempts",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
	ConsensusAgreement = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codefleet_consensus_agreement",
			Help:    "Agreement scores across best-of-N selections",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
)

func RecordTaskCompleted(category string, duration time.Duration) {
	TasksCompleted.WithLabelValues(category).Inc()
	TaskDuration.WithLabelValues(category, "passed").Observe(duration.Seconds())
}

func RecordTaskFailed(category string, duration time.Duration) {
	TasksFailed.WithLabelValues(category).Inc()
	TaskDuration.WithLabelValues(category, "failed").Observe(duration.Seconds())
}

func RecordTaskNeedsReview(category, reason string, duration time.Duration) {
	TasksNeedingReview.WithLabelValues(category, reason).Inc()
	TaskDuration.WithLabelValues(category, "needs_review").Observe(duration.Seconds())
}

func RecordRateLimitEvent() {
	RateLimitEvents.Inc()
}

func RecordWorkerReduction(newCount int) {
	WorkerReductions.Inc()
	WorkersActive.Set(float64(newCount))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

func UpdateActiveWorkspaces(count int) {
	WorkspacesActive.Set(float64(count))
}

func RecordMergeConflict() {
	MergeConflicts.Inc()
}

func RecordAttemptScore(score float64) {
	AttemptScores.Observe(score)
}

func RecordConsensusAgreement(agreement float64) {
	ConsensusAgreement.Observe(agreement)
}
