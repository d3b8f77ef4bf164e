package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models govline.yml.
type Config struct {
	Protocol struct {
		// EligibleStatuses is the directive status allow-list for runs.
		EligibleStatuses []string `yaml:"eligible_statuses"`
		// MaxActiveSessions bounds concurrent orchestrator runs against
		// the shared datastore. 0 disables the limit.
		MaxActiveSessions int `yaml:"max_active_sessions"`
	} `yaml:"protocol"`
	Exec struct {
		// ApplicationRoot is the directory EXEC work must target. Empty
		// skips the correct_application_verified check.
		ApplicationRoot string `yaml:"application_root"`
	} `yaml:"exec"`
	Prologue struct {
		Lines []string `yaml:"lines"`
	} `yaml:"prologue"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Protocol.EligibleStatuses) == 0 {
		return fmt.Errorf("config.protocol.eligible_statuses is required")
	}
	for _, s := range c.Protocol.EligibleStatuses {
		if s == "" {
			return fmt.Errorf("config.protocol.eligible_statuses contains empty status")
		}
	}
	if c.Protocol.MaxActiveSessions < 0 {
		return fmt.Errorf("config.protocol.max_active_sessions must be >= 0")
	}
	return nil
}

// Eligible reports whether a directive status allows a run.
func (c *Config) Eligible(status string) bool {
	for _, s := range c.Protocol.EligibleStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "govline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `protocol:
  eligible_statuses: [approved, in_progress, pending, ready]
  max_active_sessions: 8

exec:
  application_root: ""

prologue:
  lines:
    - "Follow LEAD -> PLAN -> EXEC -> VERIFICATION -> APPROVAL in order"
    - "Every gate requirement must pass before a phase advances"
    - "Datastore-first: records in the database are the source of truth"
    - "Every automated default is written to the decision log"
`
