package graph

import (
	"errors"
	"reflect"
	"testing"
)

func buildGraph(t *testing.T, deps map[int][]int) *Graph {
	t.Helper()

	g := New()
	for id, d := range deps {
		if err := g.AddTask(&Task{ID: id, Dependencies: d}); err != nil {
			t.Fatalf("AddTask(%d) failed: %v", id, err)
		}
	}
	return g
}

func TestComputeLevels(t *testing.T) {
	tests := []struct {
		name string
		deps map[int][]int
		want [][]int
	}{
		{
			name: "diamond with tail",
			deps: map[int][]int{1: {}, 2: {}, 3: {1}, 4: {1, 2}, 5: {3, 4}},
			want: [][]int{{1, 2}, {3, 4}, {5}},
		},
		{
			name: "all independent",
			deps: map[int][]int{1: {}, 2: {}, 3: {}},
			want: [][]int{{1, 2, 3}},
		},
		{
			name: "linear chain",
			deps: map[int][]int{1: {}, 2: {1}, 3: {2}},
			want: [][]int{{1}, {2}, {3}},
		},
		{
			name: "empty graph",
			deps: map[int][]int{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildGraph(t, tt.deps)
			levels, err := g.ComputeLevels()
			if err != nil {
				t.Fatalf("ComputeLevels failed: %v", err)
			}
			if !reflect.DeepEqual(levels, tt.want) {
				t.Errorf("levels = %v, want %v", levels, tt.want)
			}
		})
	}
}

// TestComputeLevelsPartition verifies the union of all levels equals the task
// set exactly once, and no task appears before its dependencies' level.
func TestComputeLevelsPartition(t *testing.T) {
	deps := map[int][]int{
		1: {}, 2: {}, 3: {1}, 4: {1, 2}, 5: {3, 4}, 6: {2}, 7: {5, 6}, 8: {},
	}
	g := buildGraph(t, deps)

	levels, err := g.ComputeLevels()
	if err != nil {
		t.Fatalf("ComputeLevels failed: %v", err)
	}

	levelOf := make(map[int]int)
	for i, level := range levels {
		for _, id := range level {
			if prev, seen := levelOf[id]; seen {
				t.Fatalf("task %d appears in levels %d and %d", id, prev, i)
			}
			levelOf[id] = i
		}
	}

	if len(levelOf) != len(deps) {
		t.Fatalf("levels cover %d tasks, want %d", len(levelOf), len(deps))
	}

	for id, taskDeps := range deps {
		for _, depID := range taskDeps {
			if levelOf[depID] >= levelOf[id] {
				t.Errorf("task %d (level %d) not after dependency %d (level %d)",
					id, levelOf[id], depID, levelOf[depID])
			}
		}
	}
}

func TestComputeLevelsIdempotent(t *testing.T) {
	g := buildGraph(t, map[int][]int{1: {}, 2: {}, 3: {1}, 4: {1, 2}, 5: {3, 4}})

	first, err := g.ComputeLevels()
	if err != nil {
		t.Fatalf("first ComputeLevels failed: %v", err)
	}
	second, err := g.ComputeLevels()
	if err != nil {
		t.Fatalf("second ComputeLevels failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("level partition not stable: %v vs %v", first, second)
	}
}

func TestComputeLevelsCycle(t *testing.T) {
	g := buildGraph(t, map[int][]int{1: {}, 2: {3}, 3: {2}})

	_, err := g.ComputeLevels()
	if err == nil {
		t.Fatal("expected cycle error")
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if !reflect.DeepEqual(cycleErr.StuckIDs, []int{2, 3}) {
		t.Errorf("StuckIDs = %v, want [2 3]", cycleErr.StuckIDs)
	}
}

func TestComputeLevelsMissingDependency(t *testing.T) {
	g := buildGraph(t, map[int][]int{1: {42}})

	_, err := g.ComputeLevels()
	if err == nil {
		t.Fatal("expected missing dependency error")
	}

	var missing *MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *MissingDependencyError, got %T", err)
	}
	if missing.TaskID != 1 || missing.DepID != 42 {
		t.Errorf("got TaskID=%d DepID=%d", missing.TaskID, missing.DepID)
	}
}

func TestStats(t *testing.T) {
	g := buildGraph(t, map[int][]int{1: {}, 2: {}, 3: {1}, 4: {1, 2}, 5: {3, 4}})

	levels, err := g.ComputeLevels()
	if err != nil {
		t.Fatalf("ComputeLevels failed: %v", err)
	}

	stats := Stats(levels)
	if stats.LevelCount != 3 {
		t.Errorf("LevelCount = %d, want 3", stats.LevelCount)
	}
	if stats.TotalTasks != 5 {
		t.Errorf("TotalTasks = %d, want 5", stats.TotalTasks)
	}
	if stats.MaxParallelism != 2 {
		t.Errorf("MaxParallelism = %d, want 2", stats.MaxParallelism)
	}
	if !reflect.DeepEqual(stats.LevelSizes, []int{2, 2, 1}) {
		t.Errorf("LevelSizes = %v, want [2 2 1]", stats.LevelSizes)
	}

	wantSpeedup := 5.0 / 3.0
	if got := stats.SpeedupEstimate(); got != wantSpeedup {
		t.Errorf("SpeedupEstimate = %f, want %f", got, wantSpeedup)
	}
}

func TestStatsEmpty(t *testing.T) {
	stats := Stats(nil)
	if stats.SpeedupEstimate() != 1 {
		t.Errorf("empty partition speedup = %f, want 1", stats.SpeedupEstimate())
	}
}
