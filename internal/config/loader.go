package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// APIKeyEnv is consulted when no backend API key is configured.
const APIKeyEnv = "TOGETHER_API_KEY"

// Load reads and merges configuration from the given paths in order.
// Later paths take precedence over earlier ones, and all of them over the defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(paths ...string) (*AppConfig, error) {
	// Start with defaults
	cfg := DefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := mergeConfigFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}

	if cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = os.Getenv(APIKeyEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths plus an optional explicit file.
// Global: ~/.dreammaker/config.json
// Project: .dreammaker/config.json (relative to cwd)
func LoadDefault(explicitPath string) (*AppConfig, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath, explicitPath)
}

// DefaultPaths returns the conventional global and project config paths.
func DefaultPaths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".dreammaker", "config.json"), filepath.Join(".dreammaker", "config.json"), nil
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Fields absent from the file keep their current value; map entries are replaced per key.
func mergeConfigFile(base *AppConfig, path string) error {
	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
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

// Validate checks the cross-field invariants the rest of the program relies on.
func (c *AppConfig) Validate() error {
	if len(c.Plans) == 0 {
		return fmt.Errorf("invalid config: at least one plan is required")
	}
	if _, ok := c.Plans[c.DefaultPlan]; !ok {
		return fmt.Errorf("invalid config: default plan %q is not defined", c.DefaultPlan)
	}
	for id, p := range c.Plans {
		if p.GenerationWait < 0 || p.QueueWait < 0 {
			return fmt.Errorf("invalid config: plan %q has a negative wait", id)
		}
	}
	if c.Quota.DailyImages <= 0 {
		return fmt.Errorf("invalid config: quota.daily_images must be positive")
	}
	if c.Quota.ImageTokenCost <= 0 {
		return fmt.Errorf("invalid config: quota.image_token_cost must be positive")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("invalid config: scheduler.poll_interval must be positive")
	}
	if c.Scheduler.RestartDelay <= 0 {
		return fmt.Errorf("invalid config: scheduler.restart_delay must be positive")
	}
	return nil
}
