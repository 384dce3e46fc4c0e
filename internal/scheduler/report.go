package scheduler

import (
	"time"

	"github.com/codefleet/codefleet/internal/graph"
)

// LevelReport summarizes one executed dependency level.
type LevelReport struct {
	Level       int
	TaskIDs     []int
	Workers     int
	Passed      int
	Failed      int
	NeedsReview int
	Duration    time.Duration
}

// Report summarizes one scheduler run.
type Report struct {
	StartedAt      time.Time
	Duration       time.Duration
	TotalTasks     int
	Completed      int
	Failed         int
	NeedsReview    int
	CompletionRate float64

	// SequentialEstimate is the naive one-worker cost: task count times the
	// per-task budget. Speedup is that estimate over the actual wall-clock
	// duration.
	SequentialEstimate time.Duration
	Speedup            float64

	FinalWorkers int
	Levels       []LevelReport
}

// finalize fills the derived report fields from the graph's final state.
func (s *Scheduler) finalize(report Report, started time.Time) Report {
	report.Duration = time.Since(started)
	report.FinalWorkers = s.currentWorkers()

	for _, task := range s.graph.Tasks() {
		switch task.Status {
		case graph.TaskPassed:
			report.Completed++
		case graph.TaskNeedsReview:
			report.NeedsReview++
		case graph.TaskFailed:
			report.Failed++
		}
	}
	if report.TotalTasks > 0 {
		report.CompletionRate = float64(report.Completed) / float64(report.TotalTasks)
	}

	report.SequentialEstimate = time.Duration(report.TotalTasks) * s.config.TaskTimeout
	if report.Duration > 0 && report.SequentialEstimate > 0 {
		report.Speedup = float64(report.SequentialEstimate) / float64(report.Duration)
	}
	return report
}
