// Package workspace provides disposable, isolated execution contexts for
// task attempts: a git worktree on a dedicated branch in local mode, or an
// ephemeral container in sandbox mode. Both modes share one lifecycle
// contract so the scheduler depends only on the interfaces here.
package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Workspace is one isolated execution context.
type Workspace interface {
	// Info returns a snapshot of the workspace's identity and state.
	Info() Info

	// Setup prepares the workspace for execution (marks it running).
	Setup(ctx context.Context) error

	// ExtractResults collects the artifact bundle produced inside the
	// workspace. Valid after execution, before MergeOrCleanup.
	ExtractResults(ctx context.Context) (Artifacts, error)

	// MergeOrCleanup finalizes the workspace. With succeeded=true the work
	// is merged into the shared history and the workspace destroyed; a
	// conflict aborts the merge, preserves the workspace, and returns a
	// *MergeConflictError. With succeeded=false the workspace is preserved
	// for manual resume and no merge is attempted.
	MergeOrCleanup(ctx context.Context, succeeded bool) (MergeOutcome, error)

	// Destroy tears the workspace down. force removes it even when dirty.
	Destroy(ctx context.Context, force bool) error
}

// Manager provisions workspaces for one isolation mode.
type Manager interface {
	// Create provisions a new workspace owned by the given label.
	Create(ctx context.Context, ownerLabel string) (Workspace, error)

	// Prune cleans up stale workspace metadata from prior crashed runs.
	Prune(ctx context.Context) error
}

// newWorkspaceID derives a globally unique workspace identifier from the
// owner label, the creation time, and a random disambiguator.
func newWorkspaceID(ownerLabel string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", ownerLabel, now.Unix(), uuid.NewString()[:8])
}
