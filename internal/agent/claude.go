package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClaudeCoder implements the Coder interface for the Claude Code CLI.
type ClaudeCoder struct {
	command      string
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	started      bool
	procMgr      *ProcessManager
}

// claudeResponse represents the JSON structure returned by the Claude CLI.
type claudeResponse struct {
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

// NewClaudeCoder creates a new Claude CLI coder adapter.
// If cfg.SessionID is empty, a new UUID is generated.
func NewClaudeCoder(cfg Config, procMgr *ProcessManager) (*ClaudeCoder, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	command := cfg.Command
	if command == "" {
		command = "claude"
	}

	return &ClaudeCoder{
		command:      command,
		sessionID:    sessionID,
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}, nil
}

// RunSession executes one coding session under the request's turn limit and
// wall-clock timeout. The first call uses --session-id, later calls --resume.
func (c *ClaudeCoder) RunSession(ctx context.Context, req SessionRequest) (SessionResult, error) {
	req.normalize()

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	workDir := req.WorkDir
	if workDir == "" {
		workDir = c.workDir
	}

	args := c.buildArgs(req, c.started)
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
		return SessionResult{Duration: elapsed}, fmt.Errorf("claude command failed: %w", err)
	}

	resp, err := parseClaudeResponse(stdout)
	if err != nil {
		return SessionResult{Duration: elapsed}, fmt.Errorf("failed to parse claude response: %w (stderr: %s)", err, string(stderr))
	}

	if resp.SessionID != "" {
		c.sessionID = resp.SessionID
	}
	c.started = true

	var content strings.Builder
	for _, item := range resp.Result.Content {
		if item.Type == "text" {
			content.WriteString(item.Text)
		}
	}

	return SessionResult{
		Success:   !resp.IsError,
		Output:    content.String(),
		SessionID: c.sessionID,
		Duration:  elapsed,
	}, nil
}

// Close is a no-op for Claude (subprocess-per-invocation model).
func (c *ClaudeCoder) Close() error {
	return nil
}

// SessionID returns the current session identifier.
func (c *ClaudeCoder) SessionID() string {
	return c.sessionID
}

// buildArgs constructs the command-line arguments for the claude CLI.
// isResume selects --session-id (false) or --resume (true).
func (c *ClaudeCoder) buildArgs(req SessionRequest, isResume bool) []string {
	args := []string{
		"-p", renderPrompt(req),
		"--output-format", "json",
		"--max-turns", strconv.Itoa(req.MaxTurns),
	}

	if isResume {
		args = append(args, "--resume", c.sessionID)
	} else {
		args = append(args, "--session-id", c.sessionID)
	}

	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if c.systemPrompt != "" {
		args = append(args, "--system-prompt", c.systemPrompt)
	}

	return args
}

// renderPrompt assembles the session prompt from the task description,
// validation steps, and any known failure patterns.
func renderPrompt(req SessionRequest) string {
	var b strings.Builder
	b.WriteString(req.Prompt)

	if len(req.ValidationSteps) > 0 {
		b.WriteString("\n\nValidation steps (all must pass):\n")
		for i, step := range req.ValidationSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}

	if len(req.FailurePatterns) > 0 {
		b.WriteString("\nKnown failure patterns to avoid:\n")
		for _, p := range req.FailurePatterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}

	return b.String()
}

// parseClaudeResponse parses the JSON output from the Claude CLI.
func parseClaudeResponse(data []byte) (claudeResponse, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return claudeResponse{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return cr, nil
}

// classifyRateLimit returns a *RateLimitError when the subprocess failure
// looks like a 429-class rejection, nil otherwise.
func classifyRateLimit(err error, stderr []byte) error {
	combined := err.Error() + " " + string(stderr)
	lower := strings.ToLower(combined)

	switch {
	case strings.Contains(lower, "429"):
		return &RateLimitError{StatusCode: 429, Message: strings.TrimSpace(string(stderr))}
	case strings.Contains(lower, "rate limit"):
		return &RateLimitError{Message: strings.TrimSpace(string(stderr))}
	}
	return nil
}
