// Package scheduler executes a dependency graph level by level: every task
// in a level runs concurrently in its own isolated workspace, and the next
// level starts only when the current one has fully drained.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefleet/codefleet/internal/agent"
	"github.com/codefleet/codefleet/internal/events"
	"github.com/codefleet/codefleet/internal/graph"
	"github.com/codefleet/codefleet/internal/metrics"
	"github.com/codefleet/codefleet/internal/ratelimit"
	"github.com/codefleet/codefleet/internal/tasksource"
	"github.com/codefleet/codefleet/internal/workspace"
)

// CoderFactory creates a coder bound to a workspace path. The scheduler
// calls it once per task attempt so each session gets its own subprocess
// state. A non-empty sessionID resumes a stored coder conversation from a
// prior run of the same task.
type CoderFactory func(workDir, sessionID string) (agent.Coder, error)

// Config configures a scheduler run.
type Config struct {
	MaxWorkers  int           // Upper bound on concurrent tasks (default 4)
	TaskTimeout time.Duration // Wall-clock limit per task (default 30m)
	CoderType   string        // Recorded with saved sessions (default "claude")
}

// Scheduler drives one run over a task graph.
type Scheduler struct {
	config   Config
	graph    *graph.Graph
	manager  workspace.Manager
	newCoder CoderFactory
	limits   *ratelimit.Handler
	source   tasksource.Source // optional; nil disables persistence
	bus      *events.Bus       // optional; nil disables events
	registry *workspace.Registry

	mu      sync.Mutex
	workers int // current pool size; shrinks, never grows, within a run
}

// Option customizes a scheduler.
type Option func(*Scheduler)

// WithSource enables status write-back after each level.
func WithSource(src tasksource.Source) Option {
	return func(s *Scheduler) { s.source = src }
}

// WithBus enables event publication.
func WithBus(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// New creates a scheduler over the given graph.
func New(cfg Config, g *graph.Graph, mgr workspace.Manager, factory CoderFactory, limits *ratelimit.Handler, opts ...Option) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if cfg.CoderType == "" {
		cfg.CoderType = "claude"
	}
	s := &Scheduler{
		config:   cfg,
		graph:    g,
		manager:  mgr,
		newCoder: factory,
		limits:   limits,
		registry: workspace.NewRegistry(),
		workers:  cfg.MaxWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the full graph and returns a report. Task failures never
// abort the run; only graph validation errors and context cancellation do.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	started := time.Now()

	if err := s.graph.Validate(); err != nil {
		return Report{}, err
	}
	levels, err := s.graph.ComputeLevels()
	if err != nil {
		return Report{}, err
	}

	// Clean stale workspaces from prior crashed runs.
	if err := s.manager.Prune(ctx); err != nil {
		log.Printf("WARNING: failed to prune stale workspaces: %v", err)
	}

	// Catches shutdown and panic paths; preserved workspaces were already
	// removed from the registry, so this only tears down live ones.
	defer s.registry.CleanupAll(context.Background())

	s.publish(events.TopicRun, events.RunStartedEvent{
		TotalTasks: s.graph.Len(),
		Levels:     len(levels),
		MaxWorkers: s.config.MaxWorkers,
		Timestamp:  time.Now(),
	})

	report := Report{
		StartedAt:  started,
		TotalTasks: s.graph.Len(),
		Levels:     make([]LevelReport, 0, len(levels)),
	}

	for i, level := range levels {
		if err := ctx.Err(); err != nil {
			return s.finalize(report, started), err
		}

		lr := s.runLevel(ctx, i, level)
		report.Levels = append(report.Levels, lr)

		if s.source != nil {
			if err := s.persistLevel(ctx, level); err != nil {
				log.Printf("WARNING: failed to persist level %d statuses: %v", i, err)
			}
		}

		s.maybeReduceWorkers()
	}

	final := s.finalize(report, started)
	s.publish(events.TopicRun, events.RunCompletedEvent{
		Completed: final.Completed,
		Failed:    final.Failed + final.NeedsReview,
		Duration:  final.Duration,
		Timestamp: time.Now(),
	})
	return final, ctx.Err()
}

// runLevel executes every task in one level with bounded concurrency.
// A failing task never stops its siblings.
func (s *Scheduler) runLevel(ctx context.Context, index int, taskIDs []int) LevelReport {
	levelStart := time.Now()
	workers := s.currentWorkers()
	if workers > len(taskIDs) {
		workers = len(taskIDs)
	}
	metrics.UpdateActiveWorkers(workers)

	s.publish(events.TopicLevel, events.LevelStartedEvent{
		Level:     index,
		TaskIDs:   taskIDs,
		Workers:   workers,
		Timestamp: time.Now(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range taskIDs {
		id := id
		g.Go(func() error {
			s.executeTask(gctx, id)
			return nil
		})
	}
	// Errors are tracked per task in the graph; Wait only observes
	// context cancellation.
	_ = g.Wait()

	lr := LevelReport{
		Level:    index,
		TaskIDs:  taskIDs,
		Workers:  workers,
		Duration: time.Since(levelStart),
	}
	for _, id := range taskIDs {
		task, ok := s.graph.Get(id)
		if !ok {
			continue
		}
		switch task.Status {
		case graph.TaskPassed:
			lr.Passed++
		case graph.TaskNeedsReview:
			lr.NeedsReview++
		default:
			lr.Failed++
		}
	}

	s.publish(events.TopicLevel, events.LevelCompletedEvent{
		Level:     index,
		Passed:    lr.Passed,
		Failed:    lr.Failed + lr.NeedsReview,
		Duration:  lr.Duration,
		Timestamp: time.Now(),
	})
	return lr
}

// executeTask runs one task end to end: workspace, coder session, merge.
// All failure paths mark the task in the graph rather than returning.
func (s *Scheduler) executeTask(ctx context.Context, id int) {
	task, ok := s.graph.Get(id)
	if !ok {
		log.Printf("ERROR: task %d disappeared from the graph", id)
		return
	}
	if err := ctx.Err(); err != nil {
		_ = s.graph.MarkFailed(id, fmt.Sprintf("cancelled before execution: %v", err), "")
		return
	}

	if err := s.graph.MarkRunning(id); err != nil {
		log.Printf("ERROR: failed to mark task %d running: %v", id, err)
		return
	}
	taskStart := time.Now()

	ws, err := s.manager.Create(ctx, fmt.Sprintf("task_%d", id))
	if err != nil {
		s.markFailed(task, fmt.Errorf("failed to create workspace: %w", err), "", taskStart)
		return
	}
	s.registry.Add(ws)
	metrics.UpdateActiveWorkspaces(s.registry.Len())
	defer func() {
		s.registry.Remove(ws.Info().ID)
		metrics.UpdateActiveWorkspaces(s.registry.Len())
	}()

	s.publish(events.TopicTask, events.TaskStartedEvent{
		ID:          id,
		WorkspaceID: ws.Info().ID,
		Timestamp:   time.Now(),
	})

	if err := ws.Setup(ctx); err != nil {
		// A setup failure is recoverable: the workspace stays on disk and the
		// task is parked for review rather than failed.
		s.markNeedsReview(task, ws, fmt.Sprintf("workspace setup: %v", err), "setup_error", taskStart)
		return
	}

	coder, err := s.newCoder(ws.Info().Path, s.storedSession(ctx, id))
	if err != nil {
		_ = ws.Destroy(context.Background(), true)
		s.markFailed(task, fmt.Errorf("failed to create coder: %w", err), "", taskStart)
		return
	}
	defer coder.Close()

	taskCtx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	result, err := coder.RunSession(taskCtx, agent.SessionRequest{
		Prompt:          task.Description,
		ValidationSteps: task.ValidationSteps,
		WorkDir:         ws.Info().Path,
		Timeout:         s.config.TaskTimeout,
	})
	cancel()

	// Keep the conversation id around even when the attempt fell short, so a
	// re-run of the task resumes where the coder left off.
	if s.source != nil && result.SessionID != "" {
		if sErr := s.source.SaveSession(context.Background(), id, result.SessionID, s.config.CoderType); sErr != nil {
			log.Printf("WARNING: failed to save session for task %d: %v", id, sErr)
		}
	}

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Timed out: a failed attempt, not a run failure. The workspace
		// stays on disk for manual resume.
		s.preserve(ws, id)
		s.markNeedsReview(task, ws, fmt.Sprintf("timed out after %s", s.config.TaskTimeout), "timeout", taskStart)
		return
	case err != nil && errors.Is(err, agent.ErrRetriesExhausted):
		// The rate-limit retry budget ran out. This is the one execution
		// error that counts as a task failure; the workspace still stays
		// on disk and its ref is recorded for resume.
		s.preserve(ws, id)
		s.markFailed(task, err, ws.Info().Ref, taskStart)
		return
	case err != nil:
		s.preserve(ws, id)
		s.markNeedsReview(task, ws, err.Error(), "execution_error", taskStart)
		return
	case !result.Success:
		s.preserve(ws, id)
		s.markNeedsReview(task, ws, "coder session did not pass validation", "validation_failed", taskStart)
		return
	}

	_, err = ws.MergeOrCleanup(ctx, true)
	if err != nil {
		var conflict *workspace.MergeConflictError
		if errors.As(err, &conflict) {
			metrics.RecordMergeConflict()
			s.publish(events.TopicTask, events.MergeConflictEvent{
				ID:            id,
				ConflictFiles: conflict.ConflictFiles,
				Branch:        conflict.Branch,
				Timestamp:     time.Now(),
			})
			s.markNeedsReview(task, ws, err.Error(), "merge_conflict", taskStart)
			return
		}
		s.markFailed(task, fmt.Errorf("merge failed: %w", err), ws.Info().Ref, taskStart)
		return
	}

	_ = s.graph.MarkPassed(id)
	metrics.RecordTaskCompleted(task.Category, time.Since(taskStart))
	s.publish(events.TopicTask, events.TaskPassedEvent{
		ID:        id,
		Duration:  time.Since(taskStart),
		Timestamp: time.Now(),
	})
}

// preserve keeps the workspace on disk for manual resume.
func (s *Scheduler) preserve(ws workspace.Workspace, id int) {
	if _, err := ws.MergeOrCleanup(context.Background(), false); err != nil {
		log.Printf("WARNING: failed to preserve workspace for task %d: %v", id, err)
	}
}

// storedSession returns the coder session saved for the task on a prior run,
// or empty when there is none or it belongs to a different coder type.
func (s *Scheduler) storedSession(ctx context.Context, id int) string {
	if s.source == nil {
		return ""
	}
	sessionID, coderType, err := s.source.GetSession(ctx, id)
	if err != nil || coderType != s.config.CoderType {
		return ""
	}
	return sessionID
}

func (s *Scheduler) markFailed(task *graph.Task, err error, workspaceRef string, started time.Time) {
	_ = s.graph.MarkFailed(task.ID, err.Error(), workspaceRef)
	metrics.RecordTaskFailed(task.Category, time.Since(started))
}

func (s *Scheduler) markNeedsReview(task *graph.Task, ws workspace.Workspace, errText, reason string, started time.Time) {
	ref := ws.Info().Ref
	_ = s.graph.MarkNeedsReview(task.ID, errText, ref)
	metrics.RecordTaskNeedsReview(task.Category, reason, time.Since(started))
	s.publish(events.TopicTask, events.TaskNeedsReviewEvent{
		ID:           task.ID,
		Err:          errText,
		WorkspaceRef: ref,
		Timestamp:    time.Now(),
	})
}

// maybeReduceWorkers halves the pool between levels when rate limiting has
// been persistent. The pool never grows back within a run.
func (s *Scheduler) maybeReduceWorkers() {
	if s.limits == nil || !s.limits.ShouldReduceWorkers() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recommended := s.limits.RecommendedWorkers(s.workers)
	if recommended >= s.workers {
		return
	}
	previous := s.workers
	s.workers = recommended
	metrics.RecordWorkerReduction(recommended)
	log.Printf("WARNING: reducing workers %d -> %d after persistent rate limiting", previous, recommended)
	s.publish(events.TopicLevel, events.WorkersReducedEvent{
		Previous:  previous,
		Current:   recommended,
		Timestamp: time.Now(),
	})
}

func (s *Scheduler) currentWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

func (s *Scheduler) persistLevel(ctx context.Context, taskIDs []int) error {
	tasks := make([]graph.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		if task, ok := s.graph.Get(id); ok {
			tasks = append(tasks, *task)
		}
	}
	return s.source.SaveStatuses(ctx, tasks)
}

func (s *Scheduler) publish(topic string, event events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, event)
	}
}
