package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MaxWorkers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.MaxWorkers)
	}
	if cfg.Isolation != "worktree" {
		t.Errorf("expected worktree isolation, got %q", cfg.Isolation)
	}
	if _, ok := cfg.Coders["claude"]; !ok {
		t.Error("expected built-in claude coder")
	}
	if cfg.Selector.ConsensusThreshold != 0.70 {
		t.Errorf("expected consensus threshold 0.70, got %v", cfg.Selector.ConsensusThreshold)
	}
}

func TestLoadMissingFilesNotErrors(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("missing files should not error: %v", err)
	}
	if cfg.MaxWorkers != 4 {
		t.Errorf("expected defaults, got %d workers", cfg.MaxWorkers)
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{not json`)

	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	global := writeFile(t, dir, "global.json", `{
		"max_workers": 8,
		"isolation": "sandbox",
		"git": {"base_branch": "develop"}
	}`)
	project := writeFile(t, dir, "project.json", `{
		"max_workers": 2
	}`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Project wins over global; global wins over defaults; untouched
	// fields keep their defaults.
	if cfg.MaxWorkers != 2 {
		t.Errorf("expected project max_workers 2, got %d", cfg.MaxWorkers)
	}
	if cfg.Isolation != "sandbox" {
		t.Errorf("expected global isolation, got %q", cfg.Isolation)
	}
	if cfg.Git.BaseBranch != "develop" {
		t.Errorf("expected global base branch, got %q", cfg.Git.BaseBranch)
	}
	if cfg.Git.WorkspaceDir != ".workspaces" {
		t.Errorf("expected default workspace dir, got %q", cfg.Git.WorkspaceDir)
	}
}

func TestLoadMergesCoderMaps(t *testing.T) {
	dir := t.TempDir()
	project := writeFile(t, dir, "project.json", `{
		"coders": {
			"claude": {"command": "claude", "type": "claude", "model": "opus"},
			"fast": {"command": "codex", "type": "codex"}
		}
	}`)

	cfg, err := Load("", project)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Coders["claude"].Model != "opus" {
		t.Errorf("expected overridden claude model, got %q", cfg.Coders["claude"].Model)
	}
	if _, ok := cfg.Coders["codex"]; !ok {
		t.Error("built-in codex coder should survive the merge")
	}
	if _, ok := cfg.Coders["fast"]; !ok {
		t.Error("new coder entry should be added")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero workers", `{"max_workers": 0}`},
		{"bad isolation", `{"isolation": "vm"}`},
		{"unknown default coder", `{"default_coder": "gemini"}`},
		{"zero attempts", `{"selector": {"attempts": 0}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "config.json", tt.content)
			if _, err := Load(path, ""); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
