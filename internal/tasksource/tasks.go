package tasksource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codefleet/codefleet/internal/graph"
)

// SaveTask inserts or updates a task and replaces its dependency edges.
// Uses ON CONFLICT to make saves idempotent. Dependency edges may point at
// tasks not yet saved; graph validation catches genuinely missing ones.
func (s *SQLiteSource) SaveTask(ctx context.Context, task graph.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	steps, err := json.Marshal(task.ValidationSteps)
	if err != nil {
		return fmt.Errorf("failed to encode validation steps: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, description, category, validation_steps, status, completed_at, error, workspace_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			category = excluded.category,
			validation_steps = excluded.validation_steps,
			status = excluded.status,
			completed_at = excluded.completed_at,
			error = excluded.error,
			workspace_ref = excluded.workspace_ref,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.Description, task.Category, string(steps), task.Status.String(), completedAtValue(task.CompletedAt), task.Error, task.WorkspaceRef)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, depID := range task.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %d -> %d: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Load returns every task with its dependencies, ordered by ID.
func (s *SQLiteSource) Load(ctx context.Context) ([]graph.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, category, validation_steps, status, completed_at, error, workspace_ref
		FROM tasks
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []graph.Task
	for rows.Next() {
		var (
			task        graph.Task
			steps       sql.NullString
			statusStr   string
			completedAt sql.NullTime
			errText     sql.NullString
			wsRef       sql.NullString
		)
		err := rows.Scan(&task.ID, &task.Description, &task.Category, &steps, &statusStr, &completedAt, &errText, &wsRef)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		if steps.Valid && steps.String != "" {
			if err := json.Unmarshal([]byte(steps.String), &task.ValidationSteps); err != nil {
				return nil, fmt.Errorf("failed to decode validation steps for task %d: %w", task.ID, err)
			}
		}
		task.Status = graph.ParseStatus(statusStr)
		if completedAt.Valid {
			t := completedAt.Time
			task.CompletedAt = &t
		}
		task.Error = errText.String
		task.WorkspaceRef = wsRef.String

		deps, err := s.loadDependencies(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.Dependencies = deps

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteSource) loadDependencies(ctx context.Context, taskID int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var deps []int
	for rows.Next() {
		var depID int
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// SaveStatuses writes back the mutable outcome fields for the given tasks
// in a single transaction. Unknown IDs are an error so a lost write is
// never silent.
func (s *SQLiteSource) SaveStatuses(ctx context.Context, tasks []graph.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, completed_at = ?, error = ?, workspace_ref = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, task.Status.String(), completedAtValue(task.CompletedAt), task.Error, task.WorkspaceRef, task.ID)
		if err != nil {
			return fmt.Errorf("failed to update task %d: %w", task.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("task not found: %d", task.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveSession stores the coder session for a task so a later run can
// resume the conversation.
func (s *SQLiteSource) SaveSession(ctx context.Context, taskID int, sessionID, coderType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (task_id, session_id, coder_type)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			coder_type = excluded.coder_type
	`, taskID, sessionID, coderType)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession retrieves the stored coder session for a task.
func (s *SQLiteSource) GetSession(ctx context.Context, taskID int) (string, string, error) {
	var sessionID, coderType string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, coder_type
		FROM sessions
		WHERE task_id = ?
	`, taskID).Scan(&sessionID, &coderType)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("session not found for task: %d", taskID)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query session: %w", err)
	}
	return sessionID, coderType, nil
}

// RecordRun appends a completed run to the run history.
func (s *SQLiteSource) RecordRun(ctx context.Context, rec RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, total_tasks, completed, failed, speedup)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.TotalTasks, rec.Completed, rec.Failed, rec.Speedup)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteSource) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, total_tasks, completed, failed, speedup
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &rec.FinishedAt, &rec.TotalTasks, &rec.Completed, &rec.Failed, &rec.Speedup); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return recs, nil
}

func completedAtValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
