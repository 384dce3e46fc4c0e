package workspace

import (
	"fmt"
	"strings"
)

// SetupError indicates a workspace could not be provisioned or prepared.
// The owning task is marked needs_review; sibling tasks continue.
type SetupError struct {
	WorkspaceID string
	Err         error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("workspace %s setup failed: %v", e.WorkspaceID, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// MergeConflictError is returned when a merge is aborted because of
// conflicts no resolver could handle. The workspace and branch are left
// intact; the error carries everything a human needs to resume.
type MergeConflictError struct {
	WorkspaceID   string
	Branch        string
	Path          string
	ConflictFiles []string
	ResumeCommand string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf(
		"merge aborted for workspace %s: %d conflicted file(s) [%s]; branch %s preserved at %s; resume with: %s",
		e.WorkspaceID, len(e.ConflictFiles), strings.Join(e.ConflictFiles, ", "),
		e.Branch, e.Path, e.ResumeCommand,
	)
}
