package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskCompleted(t *testing.T) {
	TasksCompleted.Reset()
	TaskDuration.Reset()

	RecordTaskCompleted("backend", 2*time.Second)

	count := getCounterValue(t, TasksCompleted, "backend")
	assert.Equal(t, 1.0, count, "completed counter should be 1")

	durationSum := getHistogramSum(t, TaskDuration, "backend", "passed")
	assert.Equal(t, 2.0, durationSum, "duration should be recorded")
}

func TestRecordTaskFailed(t *testing.T) {
	TasksFailed.Reset()
	TaskDuration.Reset()

	RecordTaskFailed("frontend", 500*time.Millisecond)

	count := getCounterValue(t, TasksFailed, "frontend")
	assert.Equal(t, 1.0, count, "failed counter should be 1")

	durationSum := getHistogramSum(t, TaskDuration, "frontend", "failed")
	assert.Equal(t, 0.5, durationSum, "duration should be recorded")
}

func TestRecordTaskNeedsReview(t *testing.T) {
	TasksNeedingReview.Reset()
	TaskDuration.Reset()

	RecordTaskNeedsReview("backend", "merge_conflict", time.Minute)

	count := getCounterValue(t, TasksNeedingReview, "backend", "merge_conflict")
	assert.Equal(t, 1.0, count, "needs_review counter should be 1")
}

func TestWorkerGauges(t *testing.T) {
	UpdateActiveWorkers(8)
	RecordWorkerReduction(4)

	metric := &dto.Metric{}
	require.NoError(t, WorkersActive.Write(metric))
	assert.Equal(t, 4.0, metric.Gauge.GetValue(), "reduction should update the worker gauge")
}

func TestUpdateActiveWorkspaces(t *testing.T) {
	UpdateActiveWorkspaces(3)

	metric := &dto.Metric{}
	require.NoError(t, WorkspacesActive.Write(metric))
	assert.Equal(t, 3.0, metric.Gauge.GetValue())
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	require.NoError(t, c.Write(metric))
	return metric.Counter.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	require.NoError(t, h.Write(metric))
	return metric.Histogram.GetSampleSum()
}
