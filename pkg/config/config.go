// Package config loads, merges, and validates the cifixd YAML configuration.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize() and
// used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// System-wide defaults
	Defaults *Defaults

	// Queue and worker pool configuration
	Queue *QueueConfig

	// Sandbox creation and resource policy
	Sandbox *SandboxConfig

	// Adaptive reliability thresholds (initial values; hot state lives in
	// the AdaptiveThresholdService)
	Thresholds *ReliabilityThresholdsConfig

	// LLM provider registry
	LLMProviderRegistry *LLMProviderRegistry
}

// Defaults contains system-wide default values applied when a run does not
// specify its own.
type Defaults struct {
	// LLMProvider is the provider name used when a run omits one.
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// MaxIterations caps the repair graph loop per session.
	MaxIterations *int `yaml:"max_iterations,omitempty"`

	// StrategyShiftConsecutive is the consecutive hallucination count that
	// triggers a strategy shift in the loop detector.
	StrategyShiftConsecutive *int `yaml:"strategy_shift_consecutive,omitempty"`

	// ReliabilityEventTTLDays prunes reliability events older than this.
	ReliabilityEventTTLDays *int `yaml:"reliability_event_ttl_days,omitempty"`

	// Command timeouts per concern.
	LintTimeout         time.Duration `yaml:"lint_timeout,omitempty"`
	ReproductionTimeout time.Duration `yaml:"reproduction_timeout,omitempty"`
}

// MaxIterationsOrDefault returns the configured iteration cap, default 5.
func (d *Defaults) MaxIterationsOrDefault() int {
	if d != nil && d.MaxIterations != nil && *d.MaxIterations > 0 {
		return *d.MaxIterations
	}
	return 5
}

// StrategyShiftOrDefault returns the hallucination shift threshold, default 2.
func (d *Defaults) StrategyShiftOrDefault() int {
	if d != nil && d.StrategyShiftConsecutive != nil && *d.StrategyShiftConsecutive > 0 {
		return *d.StrategyShiftConsecutive
	}
	return 2
}

// EventTTLOrDefault returns the reliability event TTL in days, default 30.
func (d *Defaults) EventTTLOrDefault() int {
	if d != nil && d.ReliabilityEventTTLDays != nil && *d.ReliabilityEventTTLDays > 0 {
		return *d.ReliabilityEventTTLDays
	}
	return 30
}

// LintTimeoutOrDefault returns the lint command timeout, default 30s.
func (d *Defaults) LintTimeoutOrDefault() time.Duration {
	if d != nil && d.LintTimeout > 0 {
		return d.LintTimeout
	}
	return 30 * time.Second
}

// ReproductionTimeoutOrDefault returns the reproduction timeout, default 120s.
func (d *Defaults) ReproductionTimeoutOrDefault() time.Duration {
	if d != nil && d.ReproductionTimeout > 0 {
		return d.ReproductionTimeout
	}
	return 120 * time.Second
}

// Stats contains statistics about loaded configuration
type Stats struct {
	LLMProviders int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.LLMProviderRegistry != nil {
		s.LLMProviders = c.LLMProviderRegistry.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetLLMProvider retrieves an LLM provider configuration by name.
func (c *Config) GetLLMProvider(name string) (*LLMProviderConfig, error) {
	return c.LLMProviderRegistry.Get(name)
}
