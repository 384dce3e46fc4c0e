package workspace

import (
	"context"
	"errors"
)

// ErrResolverUnavailable signals that no automated conflict resolution is
// available and the merge should fall through to abort-and-preserve.
var ErrResolverUnavailable = errors.New("conflict resolver unavailable")

// ConflictResolver attempts an automated resolution pass over the conflicted
// files of an aborted merge. Implementations may delegate to the coding
// agent. Resolve must either fully resolve every listed file (and commit the
// result on the base branch) or return an error; a partial resolution is an
// error.
type ConflictResolver interface {
	Resolve(ctx context.Context, repoPath, baseBranch, taskBranch string, conflictFiles []string) error
}

// UnavailableResolver is the default ConflictResolver: it always falls
// through so the gap is explicit rather than silently swallowed.
type UnavailableResolver struct{}

// Resolve always returns ErrResolverUnavailable.
func (UnavailableResolver) Resolve(ctx context.Context, repoPath, baseBranch, taskBranch string, conflictFiles []string) error {
	return ErrResolverUnavailable
}
