// Package tasksource loads and persists the task list the scheduler
// operates on.
package tasksource

import (
	"context"
	"time"

	"github.com/codefleet/codefleet/internal/graph"
)

// Source defines where tasks come from and where their status goes.
type Source interface {
	// Load returns every known task.
	Load(ctx context.Context) ([]graph.Task, error)

	// SaveTask inserts or updates one task and its dependency edges.
	SaveTask(ctx context.Context, task graph.Task) error

	// SaveStatuses writes back status, completion time, error text, and
	// workspace reference for the given tasks. Called after each level.
	SaveStatuses(ctx context.Context, tasks []graph.Task) error

	// Session bookkeeping for resumable coder conversations.
	SaveSession(ctx context.Context, taskID int, sessionID, coderType string) error
	GetSession(ctx context.Context, taskID int) (sessionID, coderType string, err error)

	Close() error
}

// RunRecord summarizes one completed scheduler run for history queries.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	TotalTasks int
	Completed  int
	Failed     int
	Speedup    float64
}
