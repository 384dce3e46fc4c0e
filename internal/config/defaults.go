package config

// DefaultConfig returns the default configuration with built-in coders and
// conservative concurrency settings.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:         4,
		Isolation:          "worktree",
		TaskTimeoutSeconds: 1800,
		DatabasePath:       ".codefleet/tasks.db",
		DefaultCoder:       "claude",
		Coders: map[string]CoderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
		},
		Git: GitSettings{
			BaseBranch:   "main",
			WorkspaceDir: ".workspaces",
		},
		Sandbox: SandboxSettings{
			Image:       "golang:alpine",
			MemoryMB:    512,
			NetworkMode: "none",
			HostDir:     ".codefleet/sandboxes",
		},
		RateLimit: RateLimitSettings{
			MaxRetries:          10,
			InitialDelaySeconds: 1,
			MaxDelaySeconds:     60,
			ReduceThreshold:     3,
		},
		Selector: SelectorSettings{
			Attempts:           3,
			CoverageWeight:     0.40,
			PassRateWeight:     0.30,
			QualityWeight:      0.20,
			SpeedWeight:        0.10,
			SpeedBudgetSeconds: 300,
			ConsensusThreshold: 0.70,
			OutlierDeviation:   0.20,
		},
	}
}
