package config

import "fmt"

// validate checks the assembled configuration for internal consistency.
func validate(cfg *Config) error {
	if err := validateQueue(cfg.Queue); err != nil {
		return err
	}
	if err := validateSandbox(cfg.Sandbox); err != nil {
		return err
	}
	if err := validateThresholds(cfg.Thresholds); err != nil {
		return err
	}
	return validateProviders(cfg)
}

func validateQueue(q *QueueConfig) error {
	if q.WorkerCount < 1 {
		return NewValidationError("queue", "queue", "worker_count", ErrInvalidValue)
	}
	if q.MaxConcurrentRuns < 1 {
		return NewValidationError("queue", "queue", "max_concurrent_runs", ErrInvalidValue)
	}
	if q.MaxPendingRuns < 1 {
		return NewValidationError("queue", "queue", "max_pending_runs", ErrInvalidValue)
	}
	if q.RunTimeout <= 0 {
		return NewValidationError("queue", "queue", "run_timeout", ErrInvalidValue)
	}
	return nil
}

func validateSandbox(s *SandboxConfig) error {
	switch s.Backend {
	case BackendE2B, BackendDocker, BackendKubernetes, BackendSimulation:
	default:
		return NewValidationError("sandbox", string(s.Backend), "backend", ErrInvalidValue)
	}
	if (s.Backend == BackendDocker || s.Backend == BackendKubernetes) && s.Image == "" {
		return NewValidationError("sandbox", string(s.Backend), "image", ErrMissingRequiredField)
	}
	t := s.ResourceThresholds
	if t.CPUWarn >= t.CPUCrit || t.MemWarn >= t.MemCrit || t.PidsWarn >= t.PidsCrit {
		return NewValidationError("sandbox", string(s.Backend), "resource_thresholds",
			fmt.Errorf("%w: warning thresholds must be below critical", ErrInvalidValue))
	}
	return nil
}

func validateThresholds(t *ReliabilityThresholdsConfig) error {
	layers := map[string]LayerThresholdConfig{
		"phase2_reproduction":         t.Phase2Reproduction,
		"phase3_complexity_threshold": t.Phase3ComplexityThreshold,
		"phase3_iteration_threshold":  t.Phase3IterationThreshold,
	}
	for name, l := range layers {
		if l.Min > l.Max {
			return NewValidationError("thresholds", name, "min", ErrInvalidValue)
		}
		if l.Threshold < l.Min || l.Threshold > l.Max {
			return NewValidationError("thresholds", name, "threshold", ErrInvalidValue)
		}
		if l.AdjustStep <= 0 {
			return NewValidationError("thresholds", name, "adjust_step", ErrInvalidValue)
		}
		if l.MinSample < 1 {
			return NewValidationError("thresholds", name, "min_sample", ErrInvalidValue)
		}
	}
	return nil
}

func validateProviders(cfg *Config) error {
	if cfg.Defaults.LLMProvider != "" && !cfg.LLMProviderRegistry.Has(cfg.Defaults.LLMProvider) {
		return NewValidationError("llm_provider", cfg.Defaults.LLMProvider, "",
			ErrLLMProviderNotFound)
	}
	for name, p := range cfg.LLMProviderRegistry.providers {
		if p.Type != ProviderAnthropic && p.Type != ProviderOpenAICompat {
			return NewValidationError("llm_provider", name, "type", ErrInvalidValue)
		}
		if p.Model == "" {
			return NewValidationError("llm_provider", name, "model", ErrMissingRequiredField)
		}
		if p.Type == ProviderOpenAICompat && p.BaseURL == "" {
			return NewValidationError("llm_provider", name, "base_url", ErrMissingRequiredField)
		}
	}
	return nil
}
