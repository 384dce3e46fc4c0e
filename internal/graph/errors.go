package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError is returned when the dependency relation is not acyclic.
// StuckIDs lists the tasks whose in-degree never reached zero.
type CycleError struct {
	StuckIDs []int
}

func (e *CycleError) Error() string {
	ids := append([]int(nil), e.StuckIDs...)
	sort.Ints(ids)

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("dependency graph contains a cycle involving %d task(s): %s", len(ids), strings.Join(parts, ", "))
}

// MissingDependencyError is returned when a task references a dependency
// that does not exist in the graph.
type MissingDependencyError struct {
	TaskID int
	DepID  int
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %d depends on non-existent task %d", e.TaskID, e.DepID)
}
