package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the complete cifixd.yaml file structure.
type YAMLConfig struct {
	Defaults   *Defaults                    `yaml:"defaults"`
	Queue      *QueueConfig                 `yaml:"queue"`
	Sandbox    *SandboxConfig               `yaml:"sandbox"`
	Thresholds *ReliabilityThresholdsConfig `yaml:"adaptive_thresholds"`
}

// LLMProvidersYAMLConfig represents the llm-providers.yaml file structure.
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]*LLMProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Build in-memory registries
//  6. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"llm_providers", cfg.Stats().LLMProviders,
		"sandbox_backend", cfg.Sandbox.Backend,
		"max_concurrent_runs", cfg.Queue.MaxConcurrentRuns)
	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	// 1. Load cifixd.yaml (defaults, queue, sandbox, adaptive thresholds)
	main, err := loadMainYAML(configDir)
	if err != nil {
		return nil, NewLoadError("cifixd.yaml", err)
	}

	// 2. Load llm-providers.yaml
	providers, err := loadProvidersYAML(configDir)
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	// 3. Merge user config over built-in defaults (user wins)
	queue := DefaultQueueConfig()
	if main.Queue != nil {
		if err := mergo.Merge(queue, main.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging queue config: %w", err)
		}
	}

	sandbox := DefaultSandboxConfig()
	if main.Sandbox != nil {
		if err := mergo.Merge(sandbox, main.Sandbox, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging sandbox config: %w", err)
		}
	}

	thresholds := DefaultReliabilityThresholds()
	if main.Thresholds != nil {
		if err := mergo.Merge(thresholds, main.Thresholds, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging threshold config: %w", err)
		}
	}

	defaults := main.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}

	return &Config{
		configDir:           configDir,
		Defaults:            defaults,
		Queue:               queue,
		Sandbox:             sandbox,
		Thresholds:          thresholds,
		LLMProviderRegistry: NewLLMProviderRegistry(providers.LLMProviders),
	}, nil
}

func loadMainYAML(configDir string) (*YAMLConfig, error) {
	data, err := readExpanded(filepath.Join(configDir, "cifixd.yaml"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// All-defaults configuration is valid
			return &YAMLConfig{}, nil
		}
		return nil, err
	}

	var cfg YAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

func loadProvidersYAML(configDir string) (*LLMProvidersYAMLConfig, error) {
	data, err := readExpanded(filepath.Join(configDir, "llm-providers.yaml"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &LLMProvidersYAMLConfig{LLMProviders: map[string]*LLMProviderConfig{}}, nil
		}
		return nil, err
	}

	var cfg LLMProvidersYAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	if cfg.LLMProviders == nil {
		cfg.LLMProviders = map[string]*LLMProviderConfig{}
	}
	return &cfg, nil
}

func readExpanded(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ExpandEnv(data), nil
}
