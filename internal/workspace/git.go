package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// GitManager provisions workspaces as git worktrees on dedicated branches.
type GitManager struct {
	config   GitConfig
	resolver ConflictResolver
	mergeMu  sync.Mutex // Serializes merges to keep the shared history race-free
}

// NewGitManager creates a git workspace manager. A nil resolver defaults to
// UnavailableResolver so conflicted merges always abort and preserve.
func NewGitManager(cfg GitConfig, resolver ConflictResolver) *GitManager {
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = ".workspaces"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if resolver == nil {
		resolver = UnavailableResolver{}
	}
	return &GitManager{config: cfg, resolver: resolver}
}

// Create provisions a worktree and branch for the given owner label.
func (m *GitManager) Create(ctx context.Context, ownerLabel string) (Workspace, error) {
	now := time.Now()
	id := newWorkspaceID(ownerLabel, now)
	branch := fmt.Sprintf("task/%s", id)
	wtPath := filepath.Join(m.config.RepoPath, m.config.WorkspaceDir, id)

	output, err := m.git(ctx, m.config.RepoPath, "worktree", "add", "-b", branch, wtPath, m.config.BaseBranch)
	if err != nil {
		return nil, &SetupError{WorkspaceID: id, Err: fmt.Errorf("failed to create worktree: %w (output: %s)", err, output)}
	}

	return &gitWorkspace{
		manager: m,
		info: Info{
			ID:         id,
			Ref:        branch,
			Path:       wtPath,
			OwnerLabel: ownerLabel,
			CreatedAt:  now,
			Status:     StatusCreated,
		},
	}, nil
}

// Prune cleans up stale worktree metadata left by prior crashed runs.
func (m *GitManager) Prune(ctx context.Context) error {
	output, err := m.git(ctx, m.config.RepoPath, "worktree", "prune")
	if err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, output)
	}
	return nil
}

// List returns the Info of every workspace worktree in the repository.
func (m *GitManager) List(ctx context.Context) ([]Info, error) {
	output, err := m.git(ctx, m.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, output)
	}

	var infos []Info
	var current Info

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" && current.ID != "" {
				infos = append(infos, current)
			}
			current = Info{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Ref = strings.TrimPrefix(branch, "refs/heads/")
			// Workspace branches follow task/{id}.
			if strings.HasPrefix(current.Ref, "task/") {
				current.ID = strings.TrimPrefix(current.Ref, "task/")
			}
		}
	}
	if current.Path != "" && current.ID != "" {
		infos = append(infos, current)
	}

	return infos, nil
}

// git runs a git command in the given directory and returns combined output.
func (m *GitManager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// gitWorkspace is a Workspace bound to one worktree and branch.
type gitWorkspace struct {
	manager *GitManager

	mu   sync.Mutex
	info Info
}

func (w *gitWorkspace) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()

	info := w.info
	info.ExecutionTime = w.execTime()
	return info
}

func (w *gitWorkspace) execTime() time.Duration {
	if w.info.ExecutionTime > 0 {
		return w.info.ExecutionTime
	}
	if w.info.Status == StatusRunning {
		return time.Since(w.info.CreatedAt)
	}
	return 0
}

// Setup verifies the worktree directory exists and marks the workspace
// running.
func (w *gitWorkspace) Setup(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := os.Stat(w.info.Path); err != nil {
		w.info.Status = StatusFailed
		w.info.Error = err.Error()
		return &SetupError{WorkspaceID: w.info.ID, Err: err}
	}

	w.info.Status = StatusRunning
	return nil
}

// ExtractResults returns the files changed on the workspace branch relative
// to the base, with a diff stat as the summary.
func (w *gitWorkspace) ExtractResults(ctx context.Context) (Artifacts, error) {
	w.mu.Lock()
	branch := w.info.Ref
	path := w.info.Path
	w.mu.Unlock()

	base := w.manager.config.BaseBranch

	names, err := w.manager.git(ctx, path, "diff", "--name-only", base+"..."+branch)
	if err != nil {
		return Artifacts{}, fmt.Errorf("failed to diff workspace branch: %w (output: %s)", err, names)
	}

	stat, err := w.manager.git(ctx, path, "diff", "--stat", base+"..."+branch)
	if err != nil {
		return Artifacts{}, fmt.Errorf("failed to stat workspace branch: %w (output: %s)", err, stat)
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(names), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}

	return Artifacts{Ref: branch, Files: files, Summary: strings.TrimSpace(stat)}, nil
}

// MergeOrCleanup finalizes the workspace.
//
// On success the branch is merged into the base in three tiers: a standard
// merge first; on conflict an injected resolver pass; if that is unavailable
// or fails, the merge is aborted, the workspace preserved, and a
// *MergeConflictError returned with exact resume instructions.
//
// On failure (succeeded=false) nothing is merged and the workspace is
// preserved for manual resume.
func (w *gitWorkspace) MergeOrCleanup(ctx context.Context, succeeded bool) (MergeOutcome, error) {
	w.mu.Lock()
	info := w.info
	w.mu.Unlock()

	if !succeeded {
		w.setStatus(StatusFailed, "")
		return MergeOutcome{Preserved: true}, nil
	}

	m := w.manager
	repo := m.config.RepoPath
	base := m.config.BaseBranch

	// Merges into the shared history are serialized even though execution
	// is parallel.
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	if output, err := m.git(ctx, repo, "checkout", base); err != nil {
		return MergeOutcome{Preserved: true}, fmt.Errorf("failed to checkout base branch: %w (output: %s)", err, output)
	}

	// Tier 1: dry-run conflict detection, then a standard merge.
	conflictFiles, conflicted := w.detectConflicts(ctx)
	if !conflicted {
		output, err := m.git(ctx, repo, "merge", "--no-ff", info.Ref)
		if err != nil {
			// The dry run missed something; abort and treat as conflict.
			_, _ = m.git(ctx, repo, "merge", "--abort")
			conflictFiles = parseConflictFiles(output)
			conflicted = true
		} else {
			w.setStatus(StatusCompleted, "")
			if err := w.destroy(ctx, false); err != nil {
				log.Printf("WARNING: failed to clean up workspace %s after merge: %v", info.ID, err)
			}
			return MergeOutcome{Merged: true}, nil
		}
	}

	// Tier 2: automated conflict-only resolution, if a resolver is wired.
	err := m.resolver.Resolve(ctx, repo, base, info.Ref, conflictFiles)
	if err == nil {
		w.setStatus(StatusCompleted, "")
		if derr := w.destroy(ctx, false); derr != nil {
			log.Printf("WARNING: failed to clean up workspace %s after resolved merge: %v", info.ID, derr)
		}
		return MergeOutcome{Merged: true, ConflictFiles: conflictFiles}, nil
	}
	if !errors.Is(err, ErrResolverUnavailable) {
		log.Printf("WARNING: conflict resolver failed for workspace %s: %v", info.ID, err)
	}

	// Tier 3: abort, preserve the workspace and branch, surface a
	// diagnostic with the exact resume command.
	_, _ = m.git(ctx, repo, "merge", "--abort")

	mergeErr := &MergeConflictError{
		WorkspaceID:   info.ID,
		Branch:        info.Ref,
		Path:          info.Path,
		ConflictFiles: conflictFiles,
		ResumeCommand: fmt.Sprintf("git -C %s merge --no-ff %s", repo, info.Ref),
	}
	w.setStatus(StatusFailed, mergeErr.Error())

	return MergeOutcome{Preserved: true, ConflictFiles: conflictFiles}, mergeErr
}

// detectConflicts runs a dry-run merge via merge-tree. Returns the
// conflicted files and whether any conflict was found.
func (w *gitWorkspace) detectConflicts(ctx context.Context) ([]string, bool) {
	m := w.manager
	output, err := m.git(ctx, m.config.RepoPath, "merge-tree", "--write-tree", m.config.BaseBranch, w.info.Ref)
	if err != nil {
		// Non-zero exit indicates conflicts.
		return parseConflictFiles(output), true
	}
	// merge-tree may exit 0 but still report conflicts in its output.
	if strings.Contains(output, "CONFLICT") {
		return parseConflictFiles(output), true
	}
	return nil, false
}

// Destroy removes the worktree and deletes the branch.
func (w *gitWorkspace) Destroy(ctx context.Context, force bool) error {
	return w.destroy(ctx, force)
}

func (w *gitWorkspace) destroy(ctx context.Context, force bool) error {
	w.mu.Lock()
	info := w.info
	w.mu.Unlock()

	m := w.manager
	repo := m.config.RepoPath
	var errs []string

	removeArgs := []string{"worktree", "remove"}
	if force {
		removeArgs = append(removeArgs, "--force")
	}
	removeArgs = append(removeArgs, info.Path)

	if output, err := m.git(ctx, repo, removeArgs...); err != nil {
		// Retry with --force once before giving up.
		if forceOut, forceErr := m.git(ctx, repo, "worktree", "remove", "--force", info.Path); forceErr != nil {
			errs = append(errs, fmt.Sprintf("worktree remove failed: %v (output: %s, force output: %s)", err, output, forceOut))
		}
	}

	deleteFlag := "-d"
	if force {
		deleteFlag = "-D"
	}
	if output, err := m.git(ctx, repo, "branch", deleteFlag, info.Ref); err != nil {
		if forceOut, forceErr := m.git(ctx, repo, "branch", "-D", info.Ref); forceErr != nil {
			errs = append(errs, fmt.Sprintf("branch delete failed: %v (output: %s, force output: %s)", err, output, forceOut))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errs, "; "))
	}

	w.setStatus(StatusTerminated, "")
	return nil
}

func (w *gitWorkspace) setStatus(status Status, errText string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.info.Status == StatusRunning && status != StatusRunning {
		w.info.ExecutionTime = time.Since(w.info.CreatedAt)
	}
	w.info.Status = status
	if errText != "" {
		w.info.Error = errText
	}
}

// parseConflictFiles extracts conflicting file paths from merge output.
// Lines look like "CONFLICT (content): Merge conflict in <file>".
func parseConflictFiles(output string) []string {
	var conflicts []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "CONFLICT") && strings.Contains(line, "in ") {
			parts := strings.Split(line, "in ")
			file := strings.TrimSpace(parts[len(parts)-1])
			if file != "" && !seen[file] {
				seen[file] = true
				conflicts = append(conflicts, file)
			}
		}
	}
	return conflicts
}
