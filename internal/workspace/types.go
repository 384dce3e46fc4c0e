package workspace

import "time"

// Status represents the lifecycle state of an isolated workspace.
type Status int

const (
	StatusCreated    Status = iota // Provisioned, not yet set up
	StatusRunning                  // A task is executing inside
	StatusCompleted                // Finished and merged/extracted
	StatusFailed                   // Execution or merge failed; preserved
	StatusTerminated               // Destroyed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Info is a snapshot of a workspace's identity and state.
type Info struct {
	ID            string        // Globally unique: {owner}_{timestamp}_{disambiguator}
	Ref           string        // Branch name (local mode) or container ID (sandbox mode)
	Path          string        // Working directory bound to the workspace
	OwnerLabel    string        // Label of the task/attempt that owns it
	CreatedAt     time.Time
	Status        Status
	Error         string        // Error text when Status is StatusFailed
	ExecutionTime time.Duration // Wall-clock execution time, set on completion
}

// Artifacts is the opaque result bundle extracted from a workspace after
// execution: the files the attempt touched and a human-readable summary.
type Artifacts struct {
	Ref     string   // Where the work lives (branch or container)
	Files   []string // Changed files relative to the base
	Summary string   // Diff stat or captured output
}

// MergeOutcome reports what MergeOrCleanup did with the workspace.
type MergeOutcome struct {
	Merged        bool     // Work landed on the base branch
	Preserved     bool     // Workspace left on disk for manual resume
	ConflictFiles []string // Conflicted paths when the merge was aborted
}

// GitConfig configures the local (git worktree) workspace manager.
type GitConfig struct {
	RepoPath     string // Absolute path to the git repository
	BaseBranch   string // Branch to fork from and merge into (e.g., "main")
	WorkspaceDir string // Directory under the repo for worktrees (default ".workspaces")
}

// SandboxConfig configures the cloud (container sandbox) workspace manager.
type SandboxConfig struct {
	Image       string // Container image (default "golang:alpine")
	MemoryMB    int64  // Memory limit per sandbox (default 512)
	NetworkMode string // Docker network mode (default "none")
	HostDir     string // Host directory mounted into sandboxes
}
