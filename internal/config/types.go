package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration string ("1s", "250ms").
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %s", string(data))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig configures the HTTP request layer.
type ServerConfig struct {
	Addr string `json:"addr"` // Listen address (e.g., ":8000")
}

// DatabaseConfig points at the SQLite database file.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// SchedulerConfig tunes the generation queue loop.
type SchedulerConfig struct {
	PollInterval Duration `json:"poll_interval"`      // Idle wait between empty-queue checks
	RestartDelay Duration `json:"restart_delay"`      // Delay before restarting a failed loop
	Location     string   `json:"location,omitempty"` // IANA zone for daily quota resets; empty means local
}

// QuotaConfig holds the plan-independent generation limits.
type QuotaConfig struct {
	DailyImages    int     `json:"daily_images"`     // Allowance restored at each calendar day
	ImageTokenCost float64 `json:"image_token_cost"` // Tokens debited per saved image
}

// PlanConfig defines a subscription plan.
// Waits are in seconds to match how plans are priced and advertised.
type PlanConfig struct {
	Name           string   `json:"name"`
	GenerationWait float64  `json:"generation_wait"`    // Min seconds between two generations by one user
	QueueWait      float64  `json:"queue_wait"`         // Min seconds between tasks of different users
	Tokens         float64  `json:"tokens"`             // Tokens granted when the plan is assigned
	Price          float64  `json:"price"`
	Outranks       []string `json:"outranks,omitempty"` // Plans this one is served ahead of
}

// TokenPackageConfig defines a purchasable bundle of tokens.
type TokenPackageConfig struct {
	Tokens float64 `json:"tokens"`
	Price  float64 `json:"price"`
}

// BreakerConfig configures the circuit breaker in front of the generation backend.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures"` // Failures before the circuit opens
	OpenTimeout         Duration `json:"open_timeout"`         // Time to stay open before probing
}

// BackendConfig selects and configures the image generation backend.
type BackendConfig struct {
	Type         string        `json:"type"` // "together" or "command"
	BaseURL      string        `json:"base_url,omitempty"`
	APIKey       string        `json:"api_key,omitempty"` // Falls back to TOGETHER_API_KEY
	Model        string        `json:"model,omitempty"`
	MaxDimension int           `json:"max_dimension"`
	Timeout      Duration      `json:"timeout"`
	OutputDir    string        `json:"output_dir"`
	Command      string        `json:"command,omitempty"` // For "command": generator binary
	Args         []string      `json:"args,omitempty"`    // Supports {prompt} {width} {height} {steps} {output}
	Breaker      BreakerConfig `json:"breaker"`
}

// TranslatorConfig configures best-effort prompt translation.
type TranslatorConfig struct {
	Enabled bool     `json:"enabled"`
	BaseURL string   `json:"base_url,omitempty"`
	Target  string   `json:"target,omitempty"`
	Timeout Duration `json:"timeout"`
}

// LogConfig configures logrus output.
type LogConfig struct {
	Level  string `json:"level"`          // "debug", "info", "warn", "error"
	Format string `json:"format"`         // "text" or "json"
	File   string `json:"file,omitempty"` // Optional log file; required while the dashboard owns the terminal
}

// AppConfig is the top-level configuration.
type AppConfig struct {
	Server        ServerConfig                  `json:"server"`
	Database      DatabaseConfig                `json:"database"`
	Scheduler     SchedulerConfig               `json:"scheduler"`
	Quota         QuotaConfig                   `json:"quota"`
	DefaultPlan   string                        `json:"default_plan"`
	Plans         map[string]PlanConfig         `json:"plans"`
	TokenPackages map[string]TokenPackageConfig `json:"token_packages"`
	Backend       BackendConfig                 `json:"backend"`
	Translator    TranslatorConfig              `json:"translator"`
	Log           LogConfig                     `json:"log"`
}
