// Package config holds user-level preferences stored in ~/.warden/config.json.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AgentConfig describes one launchable agent CLI.
type AgentConfig struct {
	Command     string   `json:"command"`               // binary path or name resolved via PATH
	Args        []string `json:"args,omitempty"`        // args passed verbatim before the prompt flags
	Protocol    string   `json:"protocol,omitempty"`    // "control" (default) or "jsonrpc"
	Interactive bool     `json:"interactive,omitempty"` // keep stdin open and run the handshake
	UsePTY      bool     `json:"use_pty,omitempty"`     // run on a pseudo-terminal
}

// GlobalConfig holds user-level preferences.
type GlobalConfig struct {
	Agents       map[string]AgentConfig `json:"agents,omitempty"`
	DefaultAgent string                 `json:"default_agent,omitempty"`

	// ApprovalTimeoutSec bounds a manual approval; 0 keeps the default.
	ApprovalTimeoutSec int `json:"approval_timeout_sec,omitempty"`
	// StartupTimeoutSec bounds agent startup; 0 keeps the default.
	StartupTimeoutSec int `json:"startup_timeout_sec,omitempty"`
	// StoreBudgetBytes caps retained history per run; 0 keeps the default.
	StoreBudgetBytes int `json:"store_budget_bytes,omitempty"`
	// SessionRetentionDays controls cleanup of finished session dirs.
	SessionRetentionDays int `json:"session_retention_days,omitempty"`
}

// Dir returns the global config directory (~/.warden), creating it if needed.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".warden")
	os.MkdirAll(dir, 0755)
	return dir
}

// configPath returns the full path to ~/.warden/config.json.
func configPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads ~/.warden/config.json, returning a default config if the file
// is absent.
func Load() (*GlobalConfig, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := &GlobalConfig{}
			ensureDefaults(cfg)
			return cfg, nil
		}
		return nil, err
	}

	var cfg GlobalConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	ensureDefaults(&cfg)
	return &cfg, nil
}

// Save writes the global config to ~/.warden/config.json.
func Save(cfg *GlobalConfig) error {
	if cfg == nil {
		cfg = &GlobalConfig{}
	}
	ensureDefaults(cfg)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), data, 0644)
}

// ensureDefaults fills in the built-in agent catalog entries the user has
// not overridden.
func ensureDefaults(cfg *GlobalConfig) {
	if cfg.Agents == nil {
		cfg.Agents = make(map[string]AgentConfig)
	}
	if _, ok := cfg.Agents["claude"]; !ok {
		cfg.Agents["claude"] = AgentConfig{
			Command: "claude",
			Args: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
			},
			Protocol:    "control",
			Interactive: true,
		}
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = "claude"
	}
	if cfg.SessionRetentionDays == 0 {
		cfg.SessionRetentionDays = 14
	}
}

// FindAgent resolves an agent by name (case-insensitive), falling back to
// the default agent when name is empty.
func (c *GlobalConfig) FindAgent(name string) (string, AgentConfig, error) {
	if strings.TrimSpace(name) == "" {
		name = c.DefaultAgent
	}
	for key, agent := range c.Agents {
		if strings.EqualFold(key, name) {
			return key, agent, nil
		}
	}
	return "", AgentConfig{}, errors.New("unknown agent: " + name)
}

// ApprovalTimeout returns the configured approval timeout, or 0 for default.
func (c *GlobalConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSec) * time.Second
}

// StartupTimeout returns the configured startup timeout, or 0 for default.
func (c *GlobalConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}

// SessionRetention returns the configured session retention window.
func (c *GlobalConfig) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionDays) * 24 * time.Hour
}
