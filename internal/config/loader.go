package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.codefleet/config.json
// Project: .codefleet/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".codefleet", "config.json")
	projectPath := filepath.Join(".codefleet", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file on top of the base config.
// Fields absent from the file keep their current values; map entries merge
// per key. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.Isolation != "worktree" && c.Isolation != "sandbox" {
		return fmt.Errorf("isolation must be %q or %q, got %q", "worktree", "sandbox", c.Isolation)
	}
	if _, ok := c.Coders[c.DefaultCoder]; !ok {
		return fmt.Errorf("default_coder %q is not defined in coders", c.DefaultCoder)
	}
	if c.Selector.Attempts < 1 {
		return fmt.Errorf("selector.attempts must be at least 1, got %d", c.Selector.Attempts)
	}
	return nil
}
