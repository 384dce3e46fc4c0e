package config

// CoderConfig defines one AI coding CLI the fleet can drive.
type CoderConfig struct {
	Command      string `json:"command"`                 // CLI binary name (e.g., "claude", "codex")
	Type         string `json:"type"`                    // Adapter type matching agent.Config.Type
	Model        string `json:"model,omitempty"`         // Model override
	SystemPrompt string `json:"system_prompt,omitempty"` // Role-specific system prompt
}

// GitSettings control worktree-based isolation.
type GitSettings struct {
	BaseBranch   string `json:"base_branch"`
	WorkspaceDir string `json:"workspace_dir"`
}

// SandboxSettings control container-based isolation.
type SandboxSettings struct {
	Image       string `json:"image"`
	MemoryMB    int64  `json:"memory_mb"`
	NetworkMode string `json:"network_mode"`
	HostDir     string `json:"host_dir"`
}

// RateLimitSettings tune backoff and worker-reduction behavior.
type RateLimitSettings struct {
	MaxRetries          int `json:"max_retries"`
	InitialDelaySeconds int `json:"initial_delay_seconds"`
	MaxDelaySeconds     int `json:"max_delay_seconds"`
	ReduceThreshold     int `json:"reduce_threshold"`
}

// SelectorSettings tune best-of-N scoring and consensus.
type SelectorSettings struct {
	Attempts           int     `json:"attempts"`
	CoverageWeight     float64 `json:"coverage_weight"`
	PassRateWeight     float64 `json:"pass_rate_weight"`
	QualityWeight      float64 `json:"quality_weight"`
	SpeedWeight        float64 `json:"speed_weight"`
	SpeedBudgetSeconds int     `json:"speed_budget_seconds"`
	ConsensusThreshold float64 `json:"consensus_threshold"`
	OutlierDeviation   float64 `json:"outlier_deviation"`
}

// Config is the top-level configuration.
type Config struct {
	MaxWorkers         int    `json:"max_workers"`
	Isolation          string `json:"isolation"` // "worktree" or "sandbox"
	TaskTimeoutSeconds int    `json:"task_timeout_seconds"`
	DatabasePath       string `json:"database_path"`
	MetricsAddr        string `json:"metrics_addr,omitempty"` // empty disables the metrics endpoint
	DefaultCoder       string `json:"default_coder"`

	Coders    map[string]CoderConfig `json:"coders"`
	Git       GitSettings            `json:"git"`
	Sandbox   SandboxSettings        `json:"sandbox"`
	RateLimit RateLimitSettings      `json:"rate_limit"`
	Selector  SelectorSettings       `json:"selector"`
}
