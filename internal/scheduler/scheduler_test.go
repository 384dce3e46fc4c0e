package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codefleet/codefleet/internal/agent"
	"github.com/codefleet/codefleet/internal/graph"
	"github.com/codefleet/codefleet/internal/ratelimit"
	"github.com/codefleet/codefleet/internal/workspace"
)

// fakeWorkspace implements workspace.Workspace in memory.
type fakeWorkspace struct {
	mu        sync.Mutex
	info      workspace.Info
	setupErr  error // returned from Setup
	mergeErr  error // returned from a succeeded MergeOrCleanup
	merged    bool
	preserved bool
	destroyed bool
}

func (w *fakeWorkspace) Info() workspace.Info { return w.info }

func (w *fakeWorkspace) Setup(ctx context.Context) error { return w.setupErr }

func (w *fakeWorkspace) ExtractResults(ctx context.Context) (workspace.Artifacts, error) {
	return workspace.Artifacts{Ref: w.info.Ref}, nil
}

func (w *fakeWorkspace) MergeOrCleanup(ctx context.Context, succeeded bool) (workspace.MergeOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !succeeded {
		w.preserved = true
		return workspace.MergeOutcome{Preserved: true}, nil
	}
	if w.mergeErr != nil {
		w.preserved = true
		return workspace.MergeOutcome{Preserved: true}, w.mergeErr
	}
	w.merged = true
	w.destroyed = true
	return workspace.MergeOutcome{Merged: true}, nil
}

func (w *fakeWorkspace) Destroy(ctx context.Context, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = true
	return nil
}

// fakeManager hands out fake workspaces and records lifecycle calls.
type fakeManager struct {
	mu         sync.Mutex
	created    map[string]*fakeWorkspace
	setupErrs  map[string]error // ownerLabel -> setup error
	mergeErrs  map[string]error // ownerLabel -> merge error
	pruneCalls int
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		created:   make(map[string]*fakeWorkspace),
		setupErrs: make(map[string]error),
		mergeErrs: make(map[string]error),
	}
}

func (m *fakeManager) Create(ctx context.Context, ownerLabel string) (workspace.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := &fakeWorkspace{
		info: workspace.Info{
			ID:     ownerLabel,
			Ref:    "task/" + ownerLabel,
			Path:   "/fake/" + ownerLabel,
			Status: workspace.StatusCreated,
		},
		setupErr: m.setupErrs[ownerLabel],
		mergeErr: m.mergeErrs[ownerLabel],
	}
	m.created[ownerLabel] = ws
	return ws, nil
}

func (m *fakeManager) Prune(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneCalls++
	return nil
}

func (m *fakeManager) get(ownerLabel string) *fakeWorkspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created[ownerLabel]
}

// fakeCoder keys its behavior on the task description in the prompt.
type fakeCoder struct {
	fail  map[string]bool  // description -> report failure
	errs  map[string]error // description -> hard error
	block map[string]bool  // description -> block until ctx done
}

func (c *fakeCoder) RunSession(ctx context.Context, req agent.SessionRequest) (agent.SessionResult, error) {
	if c.block[req.Prompt] {
		<-ctx.Done()
		return agent.SessionResult{}, ctx.Err()
	}
	if err := c.errs[req.Prompt]; err != nil {
		return agent.SessionResult{}, err
	}
	if c.fail[req.Prompt] {
		return agent.SessionResult{Success: false, Output: "validation failed"}, nil
	}
	return agent.SessionResult{Success: true, Output: "done", SessionID: "sess-" + req.Prompt}, nil
}

func (c *fakeCoder) Close() error { return nil }

func factoryFor(c *fakeCoder) CoderFactory {
	return func(workDir, sessionID string) (agent.Coder, error) { return c, nil }
}

// fakeSource records status write-backs and session bookkeeping.
type fakeSource struct {
	mu       sync.Mutex
	saved    [][]graph.Task
	sessions map[int]string // taskID -> stored session id, coder type "claude"
}

func (s *fakeSource) Load(ctx context.Context) ([]graph.Task, error) { return nil, nil }
func (s *fakeSource) SaveTask(ctx context.Context, task graph.Task) error {
	return nil
}
func (s *fakeSource) SaveStatuses(ctx context.Context, tasks []graph.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]graph.Task, len(tasks))
	copy(cp, tasks)
	s.saved = append(s.saved, cp)
	return nil
}
func (s *fakeSource) SaveSession(ctx context.Context, taskID int, sessionID, coderType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[int]string)
	}
	s.sessions[taskID] = sessionID
	return nil
}
func (s *fakeSource) GetSession(ctx context.Context, taskID int) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sid, ok := s.sessions[taskID]; ok {
		return sid, "claude", nil
	}
	return "", "", errors.New("not found")
}
func (s *fakeSource) Close() error { return nil }

func diamondGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.FromTasks([]*graph.Task{
		{ID: 1, Description: "one"},
		{ID: 2, Description: "two"},
		{ID: 3, Description: "three", Dependencies: []int{1}},
		{ID: 4, Description: "four", Dependencies: []int{1, 2}},
		{ID: 5, Description: "five", Dependencies: []int{3, 4}},
	})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	return g
}

func TestRunAllTasksPass(t *testing.T) {
	g := diamondGraph(t)
	mgr := newFakeManager()
	coder := &fakeCoder{}
	s := New(Config{MaxWorkers: 4, TaskTimeout: time.Minute}, g, mgr, factoryFor(coder), ratelimit.New(ratelimit.DefaultConfig()))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Completed != 5 || report.Failed != 0 || report.NeedsReview != 0 {
		t.Errorf("unexpected outcome counts: %+v", report)
	}
	if report.CompletionRate != 1.0 {
		t.Errorf("expected completion rate 1.0, got %v", report.CompletionRate)
	}
	if len(report.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(report.Levels))
	}
	if want := 5 * time.Minute; report.SequentialEstimate != want {
		// Naive one-worker cost: task count times the per-task budget.
		t.Errorf("sequential estimate = %s, want %s", report.SequentialEstimate, want)
	}
	if mgr.pruneCalls != 1 {
		t.Errorf("expected one prune at run start, got %d", mgr.pruneCalls)
	}
	for id := 1; id <= 5; id++ {
		ws := mgr.get(fmt.Sprintf("task_%d", id))
		if ws == nil {
			t.Fatalf("no workspace created for task %d", id)
		}
		if !ws.merged || !ws.destroyed {
			t.Errorf("task %d workspace should be merged and destroyed", id)
		}
	}
}

func TestRunFailureDoesNotBlockSiblings(t *testing.T) {
	g, err := graph.FromTasks([]*graph.Task{
		{ID: 1, Description: "one"},
		{ID: 2, Description: "two"},
	})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	mgr := newFakeManager()
	coder := &fakeCoder{fail: map[string]bool{"one": true}}
	s := New(Config{MaxWorkers: 4, TaskTimeout: time.Minute}, g, mgr, factoryFor(coder), ratelimit.New(ratelimit.DefaultConfig()))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Completed != 1 || report.NeedsReview != 1 {
		t.Errorf("expected 1 passed / 1 needs_review, got %+v", report)
	}
	task1, _ := g.Get(1)
	if task1.Status != graph.TaskNeedsReview {
		t.Errorf("task 1: expected needs_review, got %s", task1.Status)
	}
	if task1.WorkspaceRef != "task/task_1" {
		t.Errorf("expected workspace ref for resume, got %q", task1.WorkspaceRef)
	}
	if ws := mgr.get("task_1"); !ws.preserved {
		t.Error("failed task's workspace should be preserved for inspection")
	}
	task2, _ := g.Get(2)
	if task2.Status != graph.TaskPassed {
		t.Errorf("task 2: expected passed, got %s", task2.Status)
	}
}

func TestRunExecutionErrorNeedsReview(t *testing.T) {
	g, err := graph.FromTasks([]*graph.Task{{ID: 1, Description: "one"}})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	mgr := newFakeManager()
	coder := &fakeCoder{errs: map[string]error{"one": errors.New("coder subprocess exited 1")}}
	s := New(Config{MaxWorkers: 1, TaskTimeout: time.Minute}, g, mgr, factoryFor(coder), ratelimit.New(ratelimit.DefaultConfig()))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.NeedsReview != 1 || report.Failed != 0 {
		t.Errorf("expected 1 needs_review / 0 failed, got %+v", report)
	}
	task1, _ := g.Get(1)
	if task1.Status != graph.TaskNeedsReview {
		t.Errorf("expected needs_review, got %s", task1.Status)
	}
	if task1.WorkspaceRef != "task/task_1" {
		t.Errorf("expected workspace ref for resume, got %q", task1.WorkspaceRef)
	}
	if ws := mgr.get("task_1"); !ws.preserved || ws.destroyed {
		t.Error("workspace should stay on disk after an execution error")
	}
}

func TestRunSetupFailureNeedsReview(t *testing.T) {
	g, err := graph.FromTasks([]*graph.Task{{ID: 1, Description: "one"}})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	mgr := newFakeManager()
	mgr.setupErrs["task_1"] = errors.New("branch checkout failed")
	coder := &fakeCoder{}
	s := New(Config{MaxWorkers: 1, TaskTimeout: time.Minute}, g, mgr, factoryFor(coder), ratelimit.New(ratelimit.DefaultConfig()))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.NeedsReview != 1 || report.Failed != 0 {
		t.Errorf("expected 1 needs_review / 0 failed, got %+v", report)
	}
	task1, _ := g.Get(1)
	if task1.Status != graph.TaskNeedsReview {
		t.Errorf("expected needs_review, got %s", task1.Status)
	}
	if task1.WorkspaceRef != "task/task_1" {
		t.Errorf("expected workspace ref for resume, got %q", task1.WorkspaceRef)
	}
	if ws := mgr.get("task_1"); ws.destroyed {
		t.Error("workspace should stay on disk after a setup failure")
	}
}

func TestRunRateLimitExhaustionFailsTask(t *testing.T) {
	g, err := graph.FromTasks([]*graph.Task{{ID: 1, Description: "one"}})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	mgr := newFakeManager()
	coder := &fakeCoder{errs: map[string]error{
		"one": fmt.Errorf("giving up after 11 rate-limited attempts: %w", agent.ErrRetriesExhausted),
	}}
	s := New(Config{MaxWorkers: 1, TaskTimeout: time.Minute}, g, mgr, factoryFor(coder), ratelimit.New(ratelimit.DefaultConfig()))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Failed != 1 || report.NeedsReview != 0 {
		t.Errorf("expected 1 failed / 0 needs_review, got %+v", report)
	}
	task1, _ := g.Get(1)
	if task1.Status != graph.TaskFailed {
		t.Errorf("exhausted retries: expected failed, got %s", task1.Status)
	}
	if task1.WorkspaceRef != "task/task_1" {
		t.Errorf("expected workspace ref recorded even on failure, got %q", task1.WorkspaceRef)
	}
	if ws := mgr.get("task_1"); !ws.preserved || ws.destroyed {
		t.Error("workspace should stay on disk after retry exhaustion")
	}
}

func TestRunResumesStoredSession(t *testing.T) {
	g, err := graph.FromTasks([]*graph.Task{{ID: 1, Description: "one"}})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	mgr := newFakeManager()
	coder := &fakeCoder{}
	src := &fakeSource{sessions: map[int]string{1: "sess-old"}}

	var factoryMu sync.Mutex
	var gotSessions []string
	factory := func(workDir, sessionID string) (agent.Coder, error) {
		factoryMu.Lock()
		gotSessions = append(gotSessions, sessionID)
		factoryMu.Unlock()
		return coder, nil
	}

	s := New(Config{MaxWorkers: 1, TaskTimeout: time.Minute}, g, mgr, factory, ratelimit.New(ratelimit.DefaultConfig()), WithSource(src))
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	factoryMu.Lock()
	defer factoryMu.Unlock()
	if len(gotSessions) != 1 || gotSessions[0] != "sess-old" {
		t.Errorf("expected stored session handed to the coder factory, got %v", gotSessions)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.sessions[1] != "sess-one" {
		t.Errorf("expected new session saved after the run, got %q", src.sessions[1])
	}
}

func TestRunMergeConflictNeedsReview(t *testing.T) {
	g, err := graph.FromTasks([]*graph.Task{{ID: 1, Description: "one"}})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	mgr := newFakeManager()
	mgr.mergeErrs["task_1"] = &workspace.MergeConflictError{
		WorkspaceID:   "task_1",
		Branch:        "task/task_1",
		ConflictFiles: []string{"main.go"},
		ResumeCommand: "git merge --no-ff task/task_1",
	}
	coder := &fakeCoder{}
	s := New(Config{MaxWorkers: 1, TaskTimeout: time.Minute}, g, mgr, factoryFor(coder), ratelimit.New(ratelimit.DefaultConfig()))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.NeedsReview != 1 {
		t.Fatalf("expected 1 needs_review, got %+v", report)
	}
	task1, _ := g.Get(1)
	if task1.Status != graph.TaskNeedsReview {
		t.Errorf("expected needs_review, got %s", task1.Status)
	}
	if task1.WorkspaceRef != "task/task_1" {
		t.Errorf("expected workspace ref for resume, got %q", task1.WorkspaceRef)
	}
	if ws := mgr.get("task_1"); ws.destroyed {
		t.Error("conflicted workspace must stay on disk")
	}
}

func TestRunTimeoutDoesNotBlockSiblings(t *testing.T) {
	g, err := graph.FromTasks([]*graph.Task{
		{ID: 1, Description: "slow"},
		{ID: 2, Description: "fast"},
	})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	mgr := newFakeManager()
	coder := &fakeCoder{block: map[string]bool{"slow": true}}
	s := New(Config{MaxWorkers: 4, TaskTimeout: 50 * time.Millisecond}, g, mgr, factoryFor(coder), ratelimit.New(ratelimit.DefaultConfig()))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Completed != 1 || report.NeedsReview != 1 {
		t.Errorf("expected 1 passed / 1 needs_review, got %+v", report)
	}
	task1, _ := g.Get(1)
	if task1.Status != graph.TaskNeedsReview {
		t.Errorf("timed out task: expected needs_review, got %s", task1.Status)
	}
	if ws := mgr.get("task_1"); !ws.preserved || ws.destroyed {
		t.Error("timed out task's workspace should be preserved for resume")
	}
}

func TestRunReducesWorkersBetweenLevels(t *testing.T) {
	g := diamondGraph(t)
	mgr := newFakeManager()
	coder := &fakeCoder{}
	limits := ratelimit.New(ratelimit.DefaultConfig())
	// Simulate persistent rate limiting before the run starts.
	for i := 0; i < 3; i++ {
		limits.OnRateLimitEvent(i)
	}
	s := New(Config{MaxWorkers: 4, TaskTimeout: time.Minute}, g, mgr, factoryFor(coder), limits)

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Levels[0].Workers != 2 {
		// Level 0 has two tasks, so the pool is capped at 2 regardless.
		t.Errorf("level 0: expected 2 workers, got %d", report.Levels[0].Workers)
	}
	// 4 -> 2 after level 0, 2 -> 1 after level 1; never grows back.
	if report.Levels[1].Workers != 2 {
		t.Errorf("level 1: expected reduced pool of 2, got %d", report.Levels[1].Workers)
	}
	if report.Levels[2].Workers != 1 {
		t.Errorf("level 2: expected reduced pool of 1, got %d", report.Levels[2].Workers)
	}
	if report.FinalWorkers != 1 {
		t.Errorf("expected final pool of 1, got %d", report.FinalWorkers)
	}
}

func TestRunPersistsStatusesPerLevel(t *testing.T) {
	g := diamondGraph(t)
	mgr := newFakeManager()
	coder := &fakeCoder{}
	src := &fakeSource{}
	s := New(Config{MaxWorkers: 4, TaskTimeout: time.Minute}, g, mgr, factoryFor(coder), ratelimit.New(ratelimit.DefaultConfig()), WithSource(src))

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.saved) != 3 {
		t.Fatalf("expected 3 write-backs (one per level), got %d", len(src.saved))
	}
	for _, batch := range src.saved {
		for _, task := range batch {
			if task.Status != graph.TaskPassed {
				t.Errorf("task %d persisted with status %s", task.ID, task.Status)
			}
			if task.CompletedAt == nil {
				t.Errorf("task %d persisted without completion time", task.ID)
			}
		}
	}
}

func TestRunRejectsCyclicGraph(t *testing.T) {
	g, err := graph.FromTasks([]*graph.Task{
		{ID: 1, Description: "one", Dependencies: []int{2}},
		{ID: 2, Description: "two", Dependencies: []int{1}},
	})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	s := New(Config{}, g, newFakeManager(), factoryFor(&fakeCoder{}), ratelimit.New(ratelimit.DefaultConfig()))

	_, err = s.Run(context.Background())
	var cycleErr *graph.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
}

func TestRunCancelledContext(t *testing.T) {
	g := diamondGraph(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(Config{MaxWorkers: 2, TaskTimeout: time.Minute}, g, newFakeManager(), factoryFor(&fakeCoder{}), ratelimit.New(ratelimit.DefaultConfig()))

	_, err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
