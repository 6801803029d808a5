// Package config loads, merges, and validates reprise configuration.
// Values come from three layers: compiled-in defaults, an optional YAML
// file, and CLI flags, with later layers winning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LoopConfig controls the per-task iteration loop.
type LoopConfig struct {
	// Enabled toggles looping. When false every task gets exactly one
	// iteration regardless of budgets.
	Enabled bool `yaml:"enabled"`

	// ExitCodeBlock is the agent exit code that means "not done, run me
	// again". It never counts as a failure.
	ExitCodeBlock int `yaml:"exit_code_block"`

	// MaxIterations is the default per-task iteration budget (0 = unlimited).
	// A task's own max_iterations overrides it.
	MaxIterations int `yaml:"max_iterations"`
}

// RetryConfig controls launch-level retries around agent invocations.
type RetryConfig struct {
	// MaxAttempts is the total attempts per invocation, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelayS seeds the exponential backoff, in seconds.
	BaseDelayS int `yaml:"base_delay_s"`

	// MaxDelayS caps every backoff delay, in seconds.
	MaxDelayS int `yaml:"max_delay_s"`
}

// BaseDelay returns the backoff seed as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayS) * time.Second
}

// MaxDelay returns the backoff cap as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayS) * time.Second
}

// CircuitConfig controls the per-backend circuit breaker.
type CircuitConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a circuit.
	FailureThreshold int `yaml:"failure_threshold"`
}

// ApprovalConfig controls the human approval gate.
type ApprovalConfig struct {
	// Enabled turns on tier-based gating. Tasks submitted with
	// require_approval pause regardless of this switch.
	Enabled bool `yaml:"enabled"`

	// ThresholdTier is the lowest tier that requires approval (low, medium, high).
	ThresholdTier string `yaml:"threshold_tier"`

	// TimeoutS auto-rejects tasks that wait longer than this many seconds
	// for a decision (0 = wait forever).
	TimeoutS int `yaml:"timeout_s"`
}

// Timeout returns the approval wait limit as a duration (0 = none).
func (a ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutS) * time.Second
}

// ResourcesConfig bounds orchestrator resource usage.
type ResourcesConfig struct {
	// MaxConcurrentTasks is the worker pool size.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
}

// CompletionConfig selects the signals the completion detector requires
// before trusting an agent's success exit. All configured signals must
// agree; with none configured a success exit completes the task.
type CompletionConfig struct {
	// CleanStreak requires this many consecutive success exits (0 = off).
	CleanStreak int `yaml:"clean_streak"`

	// OutputMarker requires this substring in the agent output (empty = off).
	OutputMarker string `yaml:"output_marker"`

	// VerifyCommand requires this shell command to exit zero in the task's
	// work dir (empty = off).
	VerifyCommand string `yaml:"verify_command"`
}

// BackendConfig describes one agent backend.
type BackendConfig struct {
	// Command is the argv template. A "{prompt}" placeholder is replaced
	// with the task prompt; without one the prompt is appended.
	Command []string `yaml:"command"`

	// TimeoutS bounds each invocation, in seconds.
	TimeoutS int `yaml:"timeout_s"`
}

// Timeout returns the per-invocation deadline as a duration.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutS) * time.Second
}

// TelemetryConfig controls optional telemetry sinks beyond the JSONL file.
type TelemetryConfig struct {
	// OTLPEndpoint enables span export to an OTLP/HTTP collector when set
	// (host:port). The REPRISE_OTLP_ENDPOINT env var overrides it.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// LoggingConfig controls console and file logging.
type LoggingConfig struct {
	// Level sets the logging verbosity (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Dir is the directory run logs are written to. Empty uses
	// <reprise home>/logs.
	Dir string `yaml:"dir"`
}

// Config represents reprise configuration options.
type Config struct {
	Loop       LoopConfig               `yaml:"loop"`
	Retry      RetryConfig              `yaml:"retry"`
	Circuit    CircuitConfig            `yaml:"circuit"`
	Approval   ApprovalConfig           `yaml:"approval"`
	Resources  ResourcesConfig          `yaml:"resources"`
	Completion CompletionConfig         `yaml:"completion"`
	Backends   map[string]BackendConfig `yaml:"backends"`
	Telemetry  TelemetryConfig          `yaml:"telemetry"`
	Logging    LoggingConfig            `yaml:"logging"`
}

// DefaultBackend is the backend used when a submission names none.
const DefaultBackend = "claude"

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Loop: LoopConfig{
			Enabled:       true,
			ExitCodeBlock: 2,
			MaxIterations: 0, // Unlimited
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayS:  1,
			MaxDelayS:   30,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
		},
		Approval: ApprovalConfig{
			Enabled:       false,
			ThresholdTier: "high",
			TimeoutS:      0, // Wait forever
		},
		Resources: ResourcesConfig{
			MaxConcurrentTasks: 4,
		},
		Completion: CompletionConfig{},
		Backends: map[string]BackendConfig{
			DefaultBackend: {
				Command:  []string{"claude", "-p", "{prompt}"},
				TimeoutS: 600,
			},
		},
		Telemetry: TelemetryConfig{},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, return defaults (not an error)
		return cfg, nil
	}

	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// A zero value in the file is indistinguishable from an absent key
	// after unmarshal, so detect which keys were actually provided and
	// merge only those over the defaults.
	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if loop := section(rawMap, "loop"); loop != nil {
		if _, ok := loop["enabled"]; ok {
			cfg.Loop.Enabled = fileCfg.Loop.Enabled
		}
		if _, ok := loop["exit_code_block"]; ok {
			cfg.Loop.ExitCodeBlock = fileCfg.Loop.ExitCodeBlock
		}
		if _, ok := loop["max_iterations"]; ok {
			cfg.Loop.MaxIterations = fileCfg.Loop.MaxIterations
		}
	}

	if retry := section(rawMap, "retry"); retry != nil {
		if _, ok := retry["max_attempts"]; ok {
			cfg.Retry.MaxAttempts = fileCfg.Retry.MaxAttempts
		}
		if _, ok := retry["base_delay_s"]; ok {
			cfg.Retry.BaseDelayS = fileCfg.Retry.BaseDelayS
		}
		if _, ok := retry["max_delay_s"]; ok {
			cfg.Retry.MaxDelayS = fileCfg.Retry.MaxDelayS
		}
	}

	if circuit := section(rawMap, "circuit"); circuit != nil {
		if _, ok := circuit["failure_threshold"]; ok {
			cfg.Circuit.FailureThreshold = fileCfg.Circuit.FailureThreshold
		}
	}

	if approval := section(rawMap, "approval"); approval != nil {
		if _, ok := approval["enabled"]; ok {
			cfg.Approval.Enabled = fileCfg.Approval.Enabled
		}
		if _, ok := approval["threshold_tier"]; ok {
			cfg.Approval.ThresholdTier = fileCfg.Approval.ThresholdTier
		}
		if _, ok := approval["timeout_s"]; ok {
			cfg.Approval.TimeoutS = fileCfg.Approval.TimeoutS
		}
	}

	if resources := section(rawMap, "resources"); resources != nil {
		if _, ok := resources["max_concurrent_tasks"]; ok {
			cfg.Resources.MaxConcurrentTasks = fileCfg.Resources.MaxConcurrentTasks
		}
	}

	if completion := section(rawMap, "completion"); completion != nil {
		if _, ok := completion["clean_streak"]; ok {
			cfg.Completion.CleanStreak = fileCfg.Completion.CleanStreak
		}
		if _, ok := completion["output_marker"]; ok {
			cfg.Completion.OutputMarker = fileCfg.Completion.OutputMarker
		}
		if _, ok := completion["verify_command"]; ok {
			cfg.Completion.VerifyCommand = fileCfg.Completion.VerifyCommand
		}
	}

	// Backends merge by name: file entries override or extend the
	// defaults, other defaults stay available.
	for name, backend := range fileCfg.Backends {
		if backend.TimeoutS == 0 {
			if existing, ok := cfg.Backends[name]; ok {
				backend.TimeoutS = existing.TimeoutS
			} else {
				backend.TimeoutS = cfg.Backends[DefaultBackend].TimeoutS
			}
		}
		cfg.Backends[name] = backend
	}

	if telemetry := section(rawMap, "telemetry"); telemetry != nil {
		if _, ok := telemetry["otlp_endpoint"]; ok {
			cfg.Telemetry.OTLPEndpoint = fileCfg.Telemetry.OTLPEndpoint
		}
	}

	if logging := section(rawMap, "logging"); logging != nil {
		if _, ok := logging["level"]; ok {
			cfg.Logging.Level = fileCfg.Logging.Level
		}
		if _, ok := logging["dir"]; ok {
			cfg.Logging.Dir = fileCfg.Logging.Dir
		}
	}

	return cfg, nil
}

// section returns the named top-level mapping from the raw YAML document,
// or nil if the key is absent or not a mapping.
func section(rawMap map[string]interface{}, name string) map[string]interface{} {
	raw, exists := rawMap[name]
	if !exists || raw == nil {
		return nil
	}
	m, _ := raw.(map[string]interface{})
	return m
}

// LoadConfigFromDir loads configuration from .reprise/config.yaml in the
// specified directory. If the directory or file doesn't exist, returns
// default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ".reprise", "config.yaml")
	return LoadConfig(configPath)
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
// This allows CLI flags to take precedence over config file settings
func (c *Config) MergeWithFlags(maxConcurrent *int, maxIterations *int, logLevel *string, logDir *string) {
	if maxConcurrent != nil {
		c.Resources.MaxConcurrentTasks = *maxConcurrent
	}
	if maxIterations != nil {
		c.Loop.MaxIterations = *maxIterations
	}
	if logLevel != nil {
		c.Logging.Level = *logLevel
	}
	if logDir != nil {
		c.Logging.Dir = *logDir
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	// A blocking code of zero would collide with the success exit.
	if c.Loop.ExitCodeBlock < 1 || c.Loop.ExitCodeBlock > 255 {
		return fmt.Errorf("loop.exit_code_block must be 1-255, got %d", c.Loop.ExitCodeBlock)
	}
	if c.Loop.MaxIterations < 0 {
		return fmt.Errorf("loop.max_iterations must be >= 0, got %d", c.Loop.MaxIterations)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelayS < 0 {
		return fmt.Errorf("retry.base_delay_s must be >= 0, got %d", c.Retry.BaseDelayS)
	}
	if c.Retry.MaxDelayS < c.Retry.BaseDelayS {
		return fmt.Errorf("retry.max_delay_s must be >= retry.base_delay_s, got %d < %d",
			c.Retry.MaxDelayS, c.Retry.BaseDelayS)
	}

	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit.failure_threshold must be >= 1, got %d", c.Circuit.FailureThreshold)
	}

	validTiers := map[string]bool{
		"low":    true,
		"medium": true,
		"high":   true,
	}
	if !validTiers[c.Approval.ThresholdTier] {
		return fmt.Errorf("invalid approval.threshold_tier %q, must be one of: low, medium, high",
			c.Approval.ThresholdTier)
	}
	if c.Approval.TimeoutS < 0 {
		return fmt.Errorf("approval.timeout_s must be >= 0, got %d", c.Approval.TimeoutS)
	}

	if c.Resources.MaxConcurrentTasks < 1 {
		return fmt.Errorf("resources.max_concurrent_tasks must be >= 1, got %d",
			c.Resources.MaxConcurrentTasks)
	}

	if c.Completion.CleanStreak < 0 {
		return fmt.Errorf("completion.clean_streak must be >= 0, got %d", c.Completion.CleanStreak)
	}

	for name, backend := range c.Backends {
		if len(backend.Command) == 0 {
			return fmt.Errorf("backend %q has an empty command", name)
		}
		if backend.TimeoutS < 1 {
			return fmt.Errorf("backend %q timeout_s must be >= 1, got %d", name, backend.TimeoutS)
		}
	}

	// Validate logging.level
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level %q, must be one of: trace, debug, info, warn, error",
			c.Logging.Level)
	}

	return nil
}
