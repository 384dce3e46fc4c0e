// Package agent is the boundary to the external generative coding
// collaborator. The engine treats it as an opaque, slow, possibly
// rate-limited call: one session per task attempt, executed inside an
// isolated workspace.
package agent

import (
	"context"
	"fmt"
	"time"
)

// SessionRequest carries everything the coder needs for one task attempt.
type SessionRequest struct {
	Prompt          string        // Task description rendered into the prompt template
	ValidationSteps []string      // Ordered checks the coder must satisfy
	FailurePatterns []string      // Previously-learned failure patterns, optional
	WorkDir         string        // Isolated workspace path the session runs in
	MaxTurns        int           // Turn limit for the session (default 100)
	Timeout         time.Duration // Wall-clock limit for the session (default 30m)
}

// SessionResult is the outcome of one coder session.
type SessionResult struct {
	Success   bool
	Output    string
	SessionID string
	Duration  time.Duration
}

// Coder runs generative coding sessions.
type Coder interface {
	// RunSession executes one session and reports whether it succeeded.
	// Rate-limit failures are returned as *RateLimitError.
	RunSession(ctx context.Context, req SessionRequest) (SessionResult, error)

	// Close terminates any coder subprocess state.
	Close() error
}

// Config defines the configuration for a coder adapter.
type Config struct {
	Type         string // "claude" or "codex"
	Command      string // CLI binary override; defaults to Type
	WorkDir      string
	SessionID    string
	Model        string
	SystemPrompt string
}

// New creates a coder based on the provided configuration.
// This factory switches on cfg.Type and returns the appropriate adapter.
func New(cfg Config, pm *ProcessManager) (Coder, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeCoder(cfg, pm)
	case "codex":
		return NewCodexCoder(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown coder type: %s", cfg.Type)
	}
}

const (
	// DefaultMaxTurns bounds the number of agent turns per session.
	DefaultMaxTurns = 100
	// DefaultSessionTimeout bounds the wall-clock time per session.
	DefaultSessionTimeout = 30 * time.Minute
)

// normalize fills request defaults in place.
func (r *SessionRequest) normalize() {
	if r.MaxTurns <= 0 {
		r.MaxTurns = DefaultMaxTurns
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultSessionTimeout
	}
}
