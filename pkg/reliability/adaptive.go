package reliability

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/models"
)

// Minimum confidence before an adjustment is applied.
const adjustConfidence = 0.8

// Adjustment records one applied threshold change.
type Adjustment struct {
	Layer models.DefenseLayer `json:"layer"`
	From  float64             `json:"from"`
	To    float64             `json:"to"`
}

// AdaptiveThresholdService holds the hot threshold configuration. It is the
// single writer; readers take snapshots under the read lock.
type AdaptiveThresholdService struct {
	mu      sync.RWMutex
	cfg     config.ReliabilityThresholdsConfig
	metrics *Metrics
	logger  *slog.Logger
}

// NewAdaptiveThresholdService seeds the service from configuration.
func NewAdaptiveThresholdService(cfg *config.ReliabilityThresholdsConfig, metrics *Metrics, logger *slog.Logger) *AdaptiveThresholdService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdaptiveThresholdService{cfg: *cfg, metrics: metrics, logger: logger}
}

// Threshold returns the current threshold for an event-backed layer.
func (s *AdaptiveThresholdService) Threshold(layer models.DefenseLayer) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch layer {
	case models.LayerReproduction:
		return s.cfg.Phase2Reproduction.Threshold
	case models.LayerLoopDetection:
		return s.cfg.Phase3IterationThreshold.Threshold
	}
	return 0
}

// ComplexityThreshold returns the complexity above which the graph delegates
// to the multi-candidate repair pipeline.
func (s *AdaptiveThresholdService) ComplexityThreshold() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Phase3ComplexityThreshold.Threshold
}

// Snapshot returns a copy of the current configuration.
func (s *AdaptiveThresholdService) Snapshot() config.ReliabilityThresholdsConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// AnalyzeAndAdjustThresholds reviews each event-backed layer and applies a
// step in the suggested direction when confidence is high enough and the
// suggested move clears the hysteresis bound (half a step). minSample of 0
// uses each layer's configured sample floor.
func (s *AdaptiveThresholdService) AnalyzeAndAdjustThresholds(ctx context.Context, minSample int) ([]Adjustment, error) {
	s.mu.RLock()
	enabled := s.cfg.Enabled
	layers := []struct {
		layer models.DefenseLayer
		cfg   config.LayerThresholdConfig
	}{
		{models.LayerReproduction, s.cfg.Phase2Reproduction},
		{models.LayerLoopDetection, s.cfg.Phase3IterationThreshold},
	}
	s.mu.RUnlock()

	if !enabled {
		return nil, nil
	}

	var adjustments []Adjustment
	for _, entry := range layers {
		sample := minSample
		if sample <= 0 {
			sample = entry.cfg.MinSample
		}
		analysis, err := s.metrics.AnalyzeThreshold(ctx, entry.layer,
			entry.cfg.Threshold, entry.cfg.Min, entry.cfg.Max, sample)
		if err != nil {
			return adjustments, err
		}

		delta := analysis.Suggested - analysis.CurrentThreshold
		if analysis.Confidence < adjustConfidence || math.Abs(delta) <= entry.cfg.AdjustStep/2 {
			continue
		}

		step := entry.cfg.AdjustStep
		if delta < 0 {
			step = -step
		}
		next := clamp(entry.cfg.Threshold+step, entry.cfg.Min, entry.cfg.Max)
		if next == entry.cfg.Threshold {
			continue
		}

		s.apply(entry.layer, next)
		s.logger.Info("Adaptive threshold adjusted",
			"layer", entry.layer, "from", entry.cfg.Threshold, "to", next,
			"confidence", analysis.Confidence, "data_points", analysis.DataPoints)
		adjustments = append(adjustments, Adjustment{
			Layer: entry.layer, From: entry.cfg.Threshold, To: next,
		})
	}
	return adjustments, nil
}

func (s *AdaptiveThresholdService) apply(layer models.DefenseLayer, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch layer {
	case models.LayerReproduction:
		s.cfg.Phase2Reproduction.Threshold = value
	case models.LayerLoopDetection:
		s.cfg.Phase3IterationThreshold.Threshold = value
	}
}
