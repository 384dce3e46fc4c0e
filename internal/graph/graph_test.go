package graph

import (
	"errors"
	"strings"
	"testing"
)

// TestValidate tests graph validation with various graph structures.
func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		setup       func() *Graph
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			setup: func() *Graph {
				g := New()
				g.AddTask(&Task{ID: 1})
				g.AddTask(&Task{ID: 2, Dependencies: []int{1}})
				g.AddTask(&Task{ID: 3, Dependencies: []int{2}})
				return g
			},
			wantErr: false,
		},
		{
			name: "valid parallel tasks",
			setup: func() *Graph {
				g := New()
				g.AddTask(&Task{ID: 1})
				g.AddTask(&Task{ID: 2})
				g.AddTask(&Task{ID: 3, Dependencies: []int{1, 2}})
				return g
			},
			wantErr: false,
		},
		{
			name: "single task no deps",
			setup: func() *Graph {
				g := New()
				g.AddTask(&Task{ID: 1})
				return g
			},
			wantErr: false,
		},
		{
			name: "direct cycle",
			setup: func() *Graph {
				g := New()
				g.AddTask(&Task{ID: 1, Dependencies: []int{2}})
				g.AddTask(&Task{ID: 2, Dependencies: []int{1}})
				return g
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			setup: func() *Graph {
				g := New()
				g.AddTask(&Task{ID: 1, Dependencies: []int{2}})
				g.AddTask(&Task{ID: 2, Dependencies: []int{3}})
				g.AddTask(&Task{ID: 3, Dependencies: []int{1}})
				return g
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "self-loop",
			setup: func() *Graph {
				g := New()
				g.AddTask(&Task{ID: 1, Dependencies: []int{1}})
				return g
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "missing dependency",
			setup: func() *Graph {
				g := New()
				g.AddTask(&Task{ID: 1, Dependencies: []int{99}})
				return g
			},
			wantErr:     true,
			errContains: "non-existent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.setup()
			err := g.Validate()

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAddTaskDuplicateID(t *testing.T) {
	g := New()
	if err := g.AddTask(&Task{ID: 1}); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if err := g.AddTask(&Task{ID: 1}); err == nil {
		t.Fatal("expected error when adding duplicate task ID")
	}
}

func TestValidateCycleListsStuckTasks(t *testing.T) {
	g := New()
	g.AddTask(&Task{ID: 1})
	g.AddTask(&Task{ID: 2, Dependencies: []int{1, 3}})
	g.AddTask(&Task{ID: 3, Dependencies: []int{2}})
	g.AddTask(&Task{ID: 4, Dependencies: []int{1}})

	err := g.Validate()
	if err == nil {
		t.Fatal("expected cycle error")
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}

	// Only 2 and 3 participate in the cycle; 1 and 4 resolve normally.
	want := []int{2, 3}
	if len(cycleErr.StuckIDs) != len(want) {
		t.Fatalf("StuckIDs = %v, want %v", cycleErr.StuckIDs, want)
	}
	for i, id := range want {
		if cycleErr.StuckIDs[i] != id {
			t.Errorf("StuckIDs = %v, want %v", cycleErr.StuckIDs, want)
			break
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	g := New()
	g.AddTask(&Task{ID: 1, Description: "build parser", Dependencies: []int{}})

	task, ok := g.Get(1)
	if !ok {
		t.Fatal("Get returned not found")
	}

	task.Description = "mutated"
	task.Dependencies = append(task.Dependencies, 99)

	original, _ := g.Get(1)
	if original.Description != "build parser" {
		t.Error("mutation of returned task leaked into the graph")
	}
	if len(original.Dependencies) != 0 {
		t.Error("mutation of returned dependencies leaked into the graph")
	}
}

func TestStatusTransitions(t *testing.T) {
	g := New()
	g.AddTask(&Task{ID: 1})

	if err := g.MarkRunning(1); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	task, _ := g.Get(1)
	if task.Status != TaskRunning {
		t.Errorf("status = %v, want TaskRunning", task.Status)
	}
	if task.CompletedAt != nil {
		t.Error("CompletedAt set for non-terminal status")
	}

	if err := g.MarkPassed(1); err != nil {
		t.Fatalf("MarkPassed failed: %v", err)
	}
	task, _ = g.Get(1)
	if task.Status != TaskPassed {
		t.Errorf("status = %v, want TaskPassed", task.Status)
	}
	if task.CompletedAt == nil {
		t.Error("CompletedAt not set for terminal status")
	}

	if err := g.MarkRunning(42); err == nil {
		t.Error("expected error marking unknown task")
	}
}

func TestMarkNeedsReviewPreservesWorkspaceRef(t *testing.T) {
	g := New()
	g.AddTask(&Task{ID: 7})

	if err := g.MarkNeedsReview(7, "merge conflict in api.go", "task/7_1700000000_ab12cd34"); err != nil {
		t.Fatalf("MarkNeedsReview failed: %v", err)
	}

	task, _ := g.Get(7)
	if task.Status != TaskNeedsReview {
		t.Errorf("status = %v, want TaskNeedsReview", task.Status)
	}
	if task.Error != "merge conflict in api.go" {
		t.Errorf("error = %q", task.Error)
	}
	if task.WorkspaceRef != "task/7_1700000000_ab12cd34" {
		t.Errorf("workspace ref = %q", task.WorkspaceRef)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	statuses := []TaskStatus{TaskPending, TaskRunning, TaskPassed, TaskFailed, TaskNeedsReview}
	for _, s := range statuses {
		if got := ParseStatus(s.String()); got != s {
			t.Errorf("ParseStatus(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if got := ParseStatus("garbage"); got != TaskPending {
		t.Errorf("ParseStatus of unknown string = %v, want TaskPending", got)
	}
}
