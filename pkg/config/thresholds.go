package config

// LayerThresholdConfig tunes one defense layer's adaptive threshold.
type LayerThresholdConfig struct {
	// Threshold is the current trigger threshold for the layer.
	Threshold float64 `yaml:"threshold"`

	// Min and Max bound every adjustment.
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`

	// AdjustStep is the increment applied per adjustment cycle.
	AdjustStep float64 `yaml:"adjust_step"`

	// MinSample is the number of events required for full confidence.
	MinSample int `yaml:"min_sample"`
}

// ReliabilityThresholdsConfig is the process-wide, hot-reloadable threshold
// configuration. The AdaptiveThresholdService is its single writer; everyone
// else reads immutable snapshots.
type ReliabilityThresholdsConfig struct {
	Enabled bool `yaml:"enabled"`

	Phase2Reproduction        LayerThresholdConfig `yaml:"phase2_reproduction"`
	Phase3ComplexityThreshold LayerThresholdConfig `yaml:"phase3_complexity_threshold"`
	Phase3IterationThreshold  LayerThresholdConfig `yaml:"phase3_iteration_threshold"`
}

// DefaultReliabilityThresholds returns the built-in threshold defaults.
func DefaultReliabilityThresholds() *ReliabilityThresholdsConfig {
	return &ReliabilityThresholdsConfig{
		Enabled: true,
		Phase2Reproduction: LayerThresholdConfig{
			Threshold:  0.5,
			Min:        0.2,
			Max:        0.9,
			AdjustStep: 0.05,
			MinSample:  20,
		},
		Phase3ComplexityThreshold: LayerThresholdConfig{
			Threshold:  7,
			Min:        5,
			Max:        10,
			AdjustStep: 1,
			MinSample:  20,
		},
		Phase3IterationThreshold: LayerThresholdConfig{
			Threshold:  2,
			Min:        1,
			Max:        4,
			AdjustStep: 1,
			MinSample:  20,
		},
	}
}
