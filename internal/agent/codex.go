package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CodexCoder is the Codex CLI coder adapter. It parses the CLI's
// newline-delimited JSON event stream and resumes threads across calls.
type CodexCoder struct {
	command  string
	threadID string
	workDir  string
	model    string
	started  bool
	procMgr  *ProcessManager
}

// codexEvent is the base event type for all Codex events.
type codexEvent struct {
	Type string `json:"type"`
}

// codexThreadStarted represents the ThreadStarted event.
type codexThreadStarted struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// codexTurnCompleted represents the TurnCompleted event.
type codexTurnCompleted struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewCodexCoder creates a new Codex coder adapter. A non-empty
// cfg.SessionID resumes an existing thread.
func NewCodexCoder(cfg Config, procMgr *ProcessManager) (*CodexCoder, error) {
	command := cfg.Command
	if command == "" {
		command = "codex"
	}

	return &CodexCoder{
		command:  command,
		threadID: cfg.SessionID,
		workDir:  cfg.WorkDir,
		model:    cfg.Model,
		started:  cfg.SessionID != "",
		procMgr:  procMgr,
	}, nil
}

// RunSession executes one coding session through the codex CLI.
func (c *CodexCoder) RunSession(ctx context.Context, req SessionRequest) (SessionResult, error) {
	req.normalize()

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	workDir := req.WorkDir
	if workDir == "" {
		workDir = c.workDir
	}

	args := c.buildArgs(req)
	cmd := newCommand(ctx, c.command, args...)
	cmd.Dir = workDir

	start := time.Now()
	stdout, stderr, err := executeCommand(ctx, cmd, c.procMgr)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return SessionResult{Duration: elapsed}, fmt.Errorf("session timed out after %s: %w", req.Timeout, context.DeadlineExceeded)
		}
		if rateErr := classifyRateLimit(err, stderr); rateErr != nil {
			return SessionResult{Duration: elapsed}, rateErr
		}
		return SessionResult{Duration: elapsed}, fmt.Errorf("codex command failed: %w", err)
	}

	threadID, content, parseErr := parseCodexEvents(stdout)
	if parseErr != nil {
		return SessionResult{Duration: elapsed}, fmt.Errorf("failed to parse codex events: %w", parseErr)
	}

	if threadID != "" {
		c.threadID = threadID
	}
	c.started = true

	return SessionResult{
		Success:   true,
		Output:    content,
		SessionID: c.threadID,
		Duration:  elapsed,
	}, nil
}

// Close is a no-op for Codex (subprocess-per-invocation model).
func (c *CodexCoder) Close() error {
	return nil
}

// SessionID returns the current thread identifier.
func (c *CodexCoder) SessionID() string {
	return c.threadID
}

// buildArgs constructs arguments for the codex CLI. First call starts a new
// thread with `exec`; later calls resume it.
func (c *CodexCoder) buildArgs(req SessionRequest) []string {
	var args []string
	if c.started && c.threadID != "" {
		args = []string{"exec", "resume", c.threadID, "--json", renderPrompt(req)}
	} else {
		args = []string{"exec", "--json", renderPrompt(req)}
	}

	if c.model != "" {
		args = append(args, "--model", c.model)
	}

	return args
}

// parseCodexEvents walks the newline-delimited JSON event stream and
// extracts the thread ID and the final turn content.
func parseCodexEvents(data []byte) (threadID string, content string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var base codexEvent
		if err := json.Unmarshal([]byte(line), &base); err != nil {
			// Non-JSON lines (progress spinners etc) are skipped.
			continue
		}

		switch base.Type {
		case "thread.started":
			var ev codexThreadStarted
			if err := json.Unmarshal([]byte(line), &ev); err == nil {
				threadID = ev.ThreadID
			}
		case "turn.completed":
			var ev codexTurnCompleted
			if err := json.Unmarshal([]byte(line), &ev); err == nil {
				content = ev.Content
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("reading event stream: %w", err)
	}

	return threadID, content, nil
}
