package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
}

// Topic constants
const (
	TopicRun     = "run"
	TopicLevel   = "level"
	TopicTask    = "task"
	TopicAttempt = "attempt"
)

// Event type constants
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeLevelStarted     = "level.started"
	EventTypeLevelCompleted   = "level.completed"
	EventTypeWorkersReduced   = "level.workers_reduced"
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskPassed       = "task.passed"
	EventTypeTaskNeedsReview  = "task.needs_review"
	EventTypeMergeConflict    = "task.merge_conflict"
	EventTypeRateLimitHit     = "coder.rate_limited"
	EventTypeAttemptCompleted = "attempt.completed"
	EventTypeConsensusChecked = "attempt.consensus"
)

// RunStartedEvent is published when a scheduling run begins.
type RunStartedEvent struct {
	TotalTasks int
	Levels     int
	MaxWorkers int
	Timestamp  time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }

// RunCompletedEvent is published when a scheduling run finishes.
type RunCompletedEvent struct {
	Completed int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunCompletedEvent) EventType() string { return EventTypeRunCompleted }

// LevelStartedEvent is published when a dependency level begins executing.
type LevelStartedEvent struct {
	Level     int
	TaskIDs   []int
	Workers   int
	Timestamp time.Time
}

func (e LevelStartedEvent) EventType() string { return EventTypeLevelStarted }

// LevelCompletedEvent is published when every task in a level has finished.
type LevelCompletedEvent struct {
	Level     int
	Passed    int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}

func (e LevelCompletedEvent) EventType() string { return EventTypeLevelCompleted }

// WorkersReducedEvent is published when rate limiting shrinks the pool.
type WorkersReducedEvent struct {
	Previous  int
	Current   int
	Timestamp time.Time
}

func (e WorkersReducedEvent) EventType() string { return EventTypeWorkersReduced }

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	ID          int
	WorkspaceID string
	Timestamp   time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }

// TaskPassedEvent is published when a task completes and merges.
type TaskPassedEvent struct {
	ID        int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskPassedEvent) EventType() string { return EventTypeTaskPassed }

// TaskNeedsReviewEvent is published when a task fails and its workspace is
// preserved for manual resume.
type TaskNeedsReviewEvent struct {
	ID           int
	Err          string
	WorkspaceRef string
	Timestamp    time.Time
}

func (e TaskNeedsReviewEvent) EventType() string { return EventTypeTaskNeedsReview }

// MergeConflictEvent is published when a merge aborts on conflicts.
type MergeConflictEvent struct {
	ID            int
	ConflictFiles []string
	Branch        string
	Timestamp     time.Time
}

func (e MergeConflictEvent) EventType() string { return EventTypeMergeConflict }

// RateLimitHitEvent is published when a coder call comes back rate limited.
// Rate limits are a provider-wide condition, so the event carries no task ID.
type RateLimitHitEvent struct {
	Attempt   int
	Timestamp time.Time
}

func (e RateLimitHitEvent) EventType() string { return EventTypeRateLimitHit }

// AttemptCompletedEvent is published in best-of-N mode per finished attempt.
type AttemptCompletedEvent struct {
	FeatureID int
	AttemptID int
	Score     float64
	Timestamp time.Time
}

func (e AttemptCompletedEvent) EventType() string { return EventTypeAttemptCompleted }

// ConsensusCheckedEvent is published after the selector evaluates consensus.
type ConsensusCheckedEvent struct {
	FeatureID      int
	HasConsensus   bool
	AgreementScore float64
	Timestamp      time.Time
}

func (e ConsensusCheckedEvent) EventType() string { return EventTypeConsensusChecked }
