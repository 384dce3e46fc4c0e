package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const sandboxLabel = "codefleet.workspace"

// SandboxManager provisions workspaces backed by ephemeral containers.
// Each workspace owns a host directory mounted into its containers; code
// runs in throwaway containers bound to that directory.
type SandboxManager struct {
	cli    *client.Client
	config SandboxConfig
}

// NewSandboxManager creates a sandbox workspace manager.
func NewSandboxManager(cfg SandboxConfig) (*SandboxManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if cfg.Image == "" {
		cfg.Image = "golang:alpine"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}

	return &SandboxManager{cli: cli, config: cfg}, nil
}

// Create allocates a workspace directory on the host. Containers are only
// started when code runs.
func (m *SandboxManager) Create(ctx context.Context, ownerLabel string) (Workspace, error) {
	now := time.Now()
	id := newWorkspaceID(ownerLabel, now)
	hostPath := filepath.Join(m.config.HostDir, id)

	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return nil, &SetupError{WorkspaceID: id, Err: fmt.Errorf("failed to create sandbox directory: %w", err)}
	}

	return &sandboxWorkspace{
		manager: m,
		info: Info{
			ID:         id,
			Path:       hostPath,
			OwnerLabel: ownerLabel,
			CreatedAt:  now,
			Status:     StatusCreated,
		},
	}, nil
}

// Prune removes exited sandbox containers left by prior runs.
func (m *SandboxManager) Prune(ctx context.Context) error {
	args := filters.NewArgs(filters.Arg("label", sandboxLabel))
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("failed to list sandbox containers: %w", err)
	}

	for _, c := range containers {
		if c.State == "running" {
			continue
		}
		if err := m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Printf("WARNING: failed to remove stale sandbox container %s: %v", c.ID[:12], err)
		}
	}
	return nil
}

// Close closes the docker client.
func (m *SandboxManager) Close() error {
	return m.cli.Close()
}

// sandboxWorkspace is a Workspace backed by a host directory and throwaway
// containers bound to it.
type sandboxWorkspace struct {
	manager *SandboxManager

	mu         sync.Mutex
	info       Info
	lastOutput string
}

func (w *sandboxWorkspace) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()

	info := w.info
	if info.ExecutionTime == 0 && info.Status == StatusRunning {
		info.ExecutionTime = time.Since(info.CreatedAt)
	}
	return info
}

// Setup verifies the docker daemon is reachable and marks the workspace
// running.
func (w *sandboxWorkspace) Setup(ctx context.Context) error {
	if _, err := w.manager.cli.Ping(ctx); err != nil {
		w.setStatus(StatusFailed, err.Error())
		return &SetupError{WorkspaceID: w.info.ID, Err: fmt.Errorf("docker daemon unreachable: %w", err)}
	}

	w.setStatus(StatusRunning, "")
	return nil
}

// RunCode executes a command in an ephemeral container bound to the
// workspace directory. The container auto-removes on completion.
func (w *sandboxWorkspace) RunCode(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error) {
	m := w.manager

	resp, err := m.cli.ContainerCreate(ctx, &container.Config{
		Image:      m.config.Image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
		Labels:     map[string]string{sandboxLabel: w.info.ID},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: m.config.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(m.config.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", w.info.Path)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}

	containerID := resp.ID

	w.mu.Lock()
	w.info.Ref = containerID
	w.mu.Unlock()

	if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := m.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container error: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = m.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}

	out, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	w.mu.Lock()
	w.lastOutput = stdoutBuf.String()
	w.mu.Unlock()

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// ExtractResults collects the files present in the workspace directory and
// the output of the last sandbox run.
func (w *sandboxWorkspace) ExtractResults(ctx context.Context) (Artifacts, error) {
	w.mu.Lock()
	root := w.info.Path
	ref := w.info.Ref
	summary := w.lastOutput
	w.mu.Unlock()

	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return Artifacts{}, fmt.Errorf("failed to walk sandbox directory: %w", err)
	}

	return Artifacts{Ref: ref, Files: files, Summary: strings.TrimSpace(summary)}, nil
}

// MergeOrCleanup finalizes the sandbox. There is no shared history to merge
// in cloud mode: success means the extracted artifacts stand and the sandbox
// is torn down; failure preserves the workspace directory for inspection.
func (w *sandboxWorkspace) MergeOrCleanup(ctx context.Context, succeeded bool) (MergeOutcome, error) {
	if !succeeded {
		w.setStatus(StatusFailed, "")
		return MergeOutcome{Preserved: true}, nil
	}

	w.setStatus(StatusCompleted, "")
	return MergeOutcome{Merged: true}, nil
}

// Destroy kills any live container and, when forced, removes the workspace
// directory as well.
func (w *sandboxWorkspace) Destroy(ctx context.Context, force bool) error {
	w.mu.Lock()
	ref := w.info.Ref
	path := w.info.Path
	w.mu.Unlock()

	if ref != "" {
		// Best effort: the container may already have auto-removed.
		_ = w.manager.cli.ContainerKill(ctx, ref, "SIGKILL")
		_ = w.manager.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	}

	if force {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove sandbox directory: %w", err)
		}
	}

	w.setStatus(StatusTerminated, "")
	return nil
}

func (w *sandboxWorkspace) setStatus(status Status, errText string) {
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
