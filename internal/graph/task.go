package graph

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending     TaskStatus = iota // Waiting to be scheduled
	TaskRunning                       // Currently executing in a workspace
	TaskPassed                        // Completed and merged successfully
	TaskFailed                        // Finished with an unrecoverable error
	TaskNeedsReview                   // Failed in a way that preserves the workspace for a human
)

// String returns the status name as persisted by the task source.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskPassed:
		return "passed"
	case TaskFailed:
		return "failed"
	case TaskNeedsReview:
		return "needs_review"
	default:
		return "unknown"
	}
}

// ParseStatus converts a persisted status string back to a TaskStatus.
// Unknown strings map to TaskPending so a corrupted row never blocks a run.
func ParseStatus(s string) TaskStatus {
	switch s {
	case "running":
		return TaskRunning
	case "passed":
		return TaskPassed
	case "failed":
		return TaskFailed
	case "needs_review":
		return TaskNeedsReview
	default:
		return TaskPending
	}
}

// Task represents a unit of work in the dependency graph.
type Task struct {
	ID              int        // Unique identifier from the task source
	Description     string     // What the coding agent should build
	Dependencies    []int      // Task IDs that must pass before this task runs
	Category        string     // Free-form grouping (e.g., "backend", "infra")
	ValidationSteps []string   // Ordered checks the agent must satisfy
	Status          TaskStatus
	CompletedAt     *time.Time // Set when the task reaches a terminal status
	Error           string     // Error text for failed/needs_review tasks
	WorkspaceRef    string     // Branch or sandbox ref preserved for resume
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.Dependencies != nil {
		cp.Dependencies = append([]int(nil), task.Dependencies...)
	}
	if task.ValidationSteps != nil {
		cp.ValidationSteps = append([]string(nil), task.ValidationSteps...)
	}
	if task.CompletedAt != nil {
		t := *task.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
