package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndReadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Session = "nightly"
	cfg.Execution.Agents = 8
	cfg.Health.AutoRestart = false
	cfg.Agent.WorkDir = "workspaces/{agent}"

	if err := WriteConfig(dir, cfg); err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}

	got, err := ReadConfig(dir)
	if err != nil {
		t.Fatalf("ReadConfig failed: %v", err)
	}

	if got.Session != "nightly" {
		t.Errorf("expected session nightly, got %q", got.Session)
	}
	if got.Execution.Agents != 8 {
		t.Errorf("expected 8 agents, got %d", got.Execution.Agents)
	}
	if got.Health.AutoRestart {
		t.Error("expected auto_restart false")
	}
	if got.Agent.WorkDir != "workspaces/{agent}" {
		t.Errorf("expected work_dir preserved, got %q", got.Agent.WorkDir)
	}
	if got.Registry.TTLSec != 3600 {
		t.Errorf("expected ttl 3600, got %d", got.Registry.TTLSec)
	}
}

func TestReadConfig_Missing(t *testing.T) {
	if _, err := ReadConfig(t.TempDir()); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestReadConfig_Malformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, configDir), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	path := filepath.Join(dir, configDir, configFile)
	if err := os.WriteFile(path, []byte("version: [not: valid"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := ReadConfig(dir); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestValidateSession(t *testing.T) {
	valid := []string{"farmhand", "nightly-build", "run_2", "A1"}
	for _, name := range valid {
		if err := ValidateSession(name); err != nil {
			t.Errorf("expected %q to be valid: %v", name, err)
		}
	}

	invalid := []string{"", "has space", "dot.name", "slash/name", "semi;colon"}
	for _, name := range invalid {
		if err := ValidateSession(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Execution.Agents != 4 {
		t.Errorf("expected 4 agents, got %d", cfg.Execution.Agents)
	}
	if cfg.Health.MaxErrors != 3 {
		t.Errorf("expected max_errors 3, got %d", cfg.Health.MaxErrors)
	}
	if !cfg.Health.AutoRestart {
		t.Error("expected auto_restart on by default")
	}
	if err := ValidateSession(cfg.Session); err != nil {
		t.Errorf("default session name must validate: %v", err)
	}
}
