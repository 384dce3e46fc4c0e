package workspace

import (
	"context"
	"log"
	"sort"
	"sync"
)

// Registry tracks the active workspaces of one run. It is owned by the
// scheduler or coordinator that created it and shared by reference, so
// multiple concurrent runs in one process never collide.
type Registry struct {
	mu     sync.Mutex
	active map[string]Workspace
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]Workspace)}
}

// Add registers a workspace under its ID.
func (r *Registry) Add(ws Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[ws.Info().ID] = ws
}

// Remove unregisters a workspace by ID.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// Len returns the number of active workspaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Snapshot returns the Info of every active workspace, ordered by ID.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.active))
	for _, ws := range r.active {
		infos = append(infos, ws.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// CleanupAll force-destroys every active workspace. Called on shutdown so a
// cancelled run does not leak worktrees or containers.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	workspaces := make([]Workspace, 0, len(r.active))
	for _, ws := range r.active {
		workspaces = append(workspaces, ws)
	}
	r.active = make(map[string]Workspace)
	r.mu.Unlock()

	for _, ws := range workspaces {
		if err := ws.Destroy(ctx, true); err != nil {
			log.Printf("ERROR: failed to force cleanup workspace %q: %v", ws.Info().ID, err)
		}
	}
}
