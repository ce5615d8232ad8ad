// Package config handles reading and writing .farmhand/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the top-level structure for .farmhand/config.yaml.
// Every field is overridable from the farmhand run flags; flags win.
type Config struct {
	Version   int            `yaml:"version"`
	Session   string         `yaml:"session"`
	Agent     AgentConfig    `yaml:"agent"`
	Execution ExecConfig     `yaml:"execution"`
	Health    HealthConfig   `yaml:"health"`
	Registry  RegistryConfig `yaml:"registry"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// AgentConfig describes how to launch one agent session. The work item
// payload is written to a task file whose path is appended to Args.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"` // per-agent workspace root; {agent} is substituted
}

// ExecConfig controls scheduling and session launch behaviour.
type ExecConfig struct {
	Agents         int `yaml:"agents"`           // worker slot count
	MaxSessions    int `yaml:"max_sessions"`     // hard cap on concurrent sessions (0 = agents)
	Stagger        int `yaml:"stagger"`          // seconds between successive launches
	WaitAfterStart int `yaml:"wait_after_start"` // seconds before a session counts as running
}

// HealthConfig controls per-session health checking.
type HealthConfig struct {
	CheckInterval    int  `yaml:"check_interval"`    // seconds between polls
	IdleTimeout      int  `yaml:"idle_timeout"`      // seconds without activity before idle-suspect
	MaxErrors        int  `yaml:"max_errors"`        // restart bound / error threshold
	AutoRestart      bool `yaml:"auto_restart"`      // restart suspects instead of escalating
	ContextThreshold int  `yaml:"context_threshold"` // percent of context left that forces restart
	GracePeriod      int  `yaml:"grace_period"`      // seconds between interrupt and kill
}

// RegistryConfig controls the durable claim registry.
type RegistryConfig struct {
	Path   string `yaml:"path"`    // SQLite database path, relative to project root
	TTLSec int    `yaml:"ttl"`     // claim heartbeat TTL in seconds
	Mirror string `yaml:"mirror"`  // coordination document directory
}

// MetricsConfig controls the Prometheus endpoint on the coordinator server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

const configDir = ".farmhand"
const configFile = "config.yaml"

// sessionNamePattern restricts session names to characters that are safe in
// file names and process group labels.
var sessionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateSession checks the execution-group identifier.
func ValidateSession(name string) error {
	if !sessionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use only letters, numbers, hyphens, and underscores", name)
	}
	return nil
}

// ReadConfig reads .farmhand/config.yaml from the given project directory.
// dir is the project root (not .farmhand/ itself).
// Returns an error if the file is not found or YAML is malformed.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// WriteConfig writes cfg to .farmhand/config.yaml in the given project
// directory. Creates the .farmhand/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Session: "farmhand",
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"-p"},
		},
		Execution: ExecConfig{
			Agents:         4,
			MaxSessions:    0, // fall back to Agents
			Stagger:        10,
			WaitAfterStart: 15,
		},
		Health: HealthConfig{
			CheckInterval:    10,
			IdleTimeout:      90,
			MaxErrors:        3,
			AutoRestart:      true,
			ContextThreshold: 20,
			GracePeriod:      10,
		},
		Registry: RegistryConfig{
			Path:   filepath.Join(configDir, "registry.db"),
			TTLSec: 3600,
			Mirror: filepath.Join(configDir, "coordination"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
