package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Graph holds the task set and its dependency relation.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[int]*Task  // All tasks indexed by ID
	dependents map[int][]int  // Maps taskID -> tasks that depend on it
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		tasks:      make(map[int]*Task),
		dependents: make(map[int][]int),
	}
}

// FromTasks builds a Graph from a task list. Returns error on duplicate IDs.
func FromTasks(tasks []*Task) (*Graph, error) {
	g := New()
	for _, task := range tasks {
		if err := g.AddTask(task); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddTask adds a task to the graph. Returns error if the task ID already exists.
func (g *Graph) AddTask(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %d already exists", task.ID)
	}

	g.tasks[task.ID] = task

	// Build dependents map for efficient downstream lookup
	for _, depID := range task.Dependencies {
		g.dependents[depID] = append(g.dependents[depID], task.ID)
	}

	return nil
}

// Validate checks that every dependency references an existing task and that
// the dependency relation is acyclic. Runs before any execution begins so a
// bad graph never spawns a workspace. Cycle detection goes through
// gammazero/toposort; the level computation below reports the same condition
// with the exact stuck task IDs.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.sortedIDs()

	// Verify all dependencies exist first, in deterministic order.
	for _, id := range ids {
		task := g.tasks[id]
		for _, depID := range task.Dependencies {
			if _, exists := g.tasks[depID]; !exists {
				return &MissingDependencyError{TaskID: id, DepID: depID}
			}
		}
	}

	// Build edges for topological sort
	var edges []toposort.Edge
	for _, id := range ids {
		task := g.tasks[id]
		if len(task.Dependencies) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
		} else {
			for _, depID := range task.Dependencies {
				// Edge (depID, id) means depID must come before id
				edges = append(edges, toposort.Edge{depID, id})
			}
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return &CycleError{StuckIDs: g.stuckIDsLocked()}
	}

	return nil
}

// ComputeLevels partitions the task set into dependency levels using Kahn's
// algorithm, batched per level: level 0 holds every task with in-degree 0;
// each subsequent level holds the tasks whose in-degree reaches zero once the
// previous level is removed. Fails with CycleError if any task never reaches
// in-degree zero.
func (g *Graph) ComputeLevels() ([][]int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// Missing dependencies would corrupt the in-degree counts below.
	for _, task := range g.tasks {
		for _, depID := range task.Dependencies {
			if _, exists := g.tasks[depID]; !exists {
				return nil, &MissingDependencyError{TaskID: task.ID, DepID: depID}
			}
		}
	}

	inDegree := make(map[int]int, len(g.tasks))
	for id, task := range g.tasks {
		inDegree[id] = len(task.Dependencies)
	}

	var current []int
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}

	var levels [][]int
	processed := 0

	for len(current) > 0 {
		sort.Ints(current)
		levels = append(levels, current)
		processed += len(current)

		var next []int
		for _, id := range current {
			for _, depID := range g.dependents[id] {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		current = next
	}

	if processed != len(g.tasks) {
		return nil, &CycleError{StuckIDs: g.stuckIDsLocked()}
	}

	return levels, nil
}

// stuckIDsLocked returns the IDs of tasks that never reach in-degree zero.
// Caller must hold at least a read lock.
func (g *Graph) stuckIDsLocked() []int {
	inDegree := make(map[int]int, len(g.tasks))
	for id, task := range g.tasks {
		inDegree[id] = len(task.Dependencies)
	}

	queue := []int{}
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	seen := make(map[int]bool, len(g.tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen[id] = true
		for _, depID := range g.dependents[id] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	var stuck []int
	for id := range g.tasks {
		if !seen[id] {
			stuck = append(stuck, id)
		}
	}
	sort.Ints(stuck)
	return stuck
}

// sortedIDs returns all task IDs in ascending order. Caller must hold a lock.
func (g *Graph) sortedIDs() []int {
	ids := make([]int, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Get returns a copy of the task by ID.
func (g *Graph) Get(taskID int) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks, ordered by ID.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, id := range g.sortedIDs() {
		tasks = append(tasks, cloneTask(g.tasks[id]))
	}
	return tasks
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// MarkRunning sets task status to TaskRunning.
func (g *Graph) MarkRunning(taskID int) error {
	return g.setStatus(taskID, TaskRunning, "", "", false)
}

// MarkPassed sets task status to TaskPassed and stamps the completion time.
func (g *Graph) MarkPassed(taskID int) error {
	return g.setStatus(taskID, TaskPassed, "", "", true)
}

// MarkFailed sets task status to TaskFailed with the given error text.
// workspaceRef may be empty when no workspace survived the failure.
func (g *Graph) MarkFailed(taskID int, errText, workspaceRef string) error {
	return g.setStatus(taskID, TaskFailed, errText, workspaceRef, true)
}

// MarkNeedsReview sets task status to TaskNeedsReview, recording the error
// and the preserved workspace ref so the task can be resumed manually.
func (g *Graph) MarkNeedsReview(taskID int, errText, workspaceRef string) error {
	return g.setStatus(taskID, TaskNeedsReview, errText, workspaceRef, true)
}

func (g *Graph) setStatus(taskID int, status TaskStatus, errText, workspaceRef string, terminal bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %d not found", taskID)
	}

	task.Status = status
	if errText != "" {
		task.Error = errText
	}
	if workspaceRef != "" {
		task.WorkspaceRef = workspaceRef
	}
	if terminal {
		now := time.Now()
		task.CompletedAt = &now
	}
	return nil
}
