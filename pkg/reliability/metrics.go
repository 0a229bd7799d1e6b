package reliability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anchapin/cifixd/pkg/models"
)

// LayerMetrics aggregates all recorded events for one defense layer.
type LayerMetrics struct {
	Layer             models.DefenseLayer `json:"layer"`
	TotalEvents       int                 `json:"total_events"`
	TriggeredEvents   int                 `json:"triggered_events"`
	TriggerRate       float64             `json:"trigger_rate"`
	RecoveryAttempts  int                 `json:"recovery_attempts"`
	RecoverySuccesses int                 `json:"recovery_successes"`
}

// ThresholdAnalysis is the outcome of one threshold review.
type ThresholdAnalysis struct {
	Layer            models.DefenseLayer `json:"layer"`
	CurrentThreshold float64             `json:"current_threshold"`
	Suggested        float64             `json:"suggested"`
	Confidence       float64             `json:"confidence"`
	DataPoints       int                 `json:"data_points"`
}

// TrendPoint is one day of trigger activity.
type TrendPoint struct {
	Date        string  `json:"date"`
	Events      int     `json:"events"`
	TriggerRate float64 `json:"trigger_rate"`
}

// DashboardSummary is the aggregate view exposed over the API.
type DashboardSummary struct {
	Layers      []LayerMetrics `json:"layers"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Trigger-rate band the adaptive service steers layers into. Above the high
// mark the layer fires too often and its threshold should rise; below the
// low mark it may be missing problems and should drop.
const (
	triggerRateHigh = 0.4
	triggerRateLow  = 0.1
)

var allLayers = []models.DefenseLayer{
	models.LayerReproduction,
	models.LayerLoopDetection,
}

// Metrics computes aggregates over the event log.
type Metrics struct {
	store EventStore
}

// NewMetrics builds the aggregator.
func NewMetrics(store EventStore) *Metrics {
	return &Metrics{store: store}
}

// GetLayerMetrics aggregates the full event history of one layer.
func (m *Metrics) GetLayerMetrics(ctx context.Context, layer models.DefenseLayer) (*LayerMetrics, error) {
	events, err := m.store.ListEventsSince(ctx, layer, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("loading events for layer %s: %w", layer, err)
	}
	return aggregate(layer, events), nil
}

func aggregate(layer models.DefenseLayer, events []*models.ReliabilityEvent) *LayerMetrics {
	out := &LayerMetrics{Layer: layer, TotalEvents: len(events)}
	for _, ev := range events {
		if ev.Triggered {
			out.TriggeredEvents++
		}
		if ev.RecoveryStrategy != "" {
			out.RecoveryAttempts++
			if ev.RecoverySuccessful != nil && *ev.RecoverySuccessful {
				out.RecoverySuccesses++
			}
		}
	}
	if out.TotalEvents > 0 {
		out.TriggerRate = float64(out.TriggeredEvents) / float64(out.TotalEvents)
	}
	return out
}

// AnalyzeThreshold reviews one layer's threshold against its trigger rate.
// Confidence scales linearly with sample size: min(1, dataPoints/minSample).
func (m *Metrics) AnalyzeThreshold(ctx context.Context, layer models.DefenseLayer, current, min, max float64, minSample int) (*ThresholdAnalysis, error) {
	metrics, err := m.GetLayerMetrics(ctx, layer)
	if err != nil {
		return nil, err
	}

	analysis := &ThresholdAnalysis{
		Layer:            layer,
		CurrentThreshold: current,
		Suggested:        current,
		DataPoints:       metrics.TotalEvents,
	}
	if minSample > 0 {
		analysis.Confidence = float64(metrics.TotalEvents) / float64(minSample)
		if analysis.Confidence > 1 {
			analysis.Confidence = 1
		}
	}
	if metrics.TotalEvents == 0 {
		return analysis, nil
	}

	// Nominal suggestion step of 10% of the allowed range; the adaptive
	// service applies its own configured step in the suggested direction.
	step := (max - min) * 0.1
	switch {
	case metrics.TriggerRate > triggerRateHigh:
		analysis.Suggested = clamp(current+step, min, max)
	case metrics.TriggerRate < triggerRateLow:
		analysis.Suggested = clamp(current-step, min, max)
	}
	return analysis, nil
}

// GetThresholdTrend returns per-day trigger rates over the trailing window.
func (m *Metrics) GetThresholdTrend(ctx context.Context, layer models.DefenseLayer, days int) ([]TrendPoint, error) {
	since := time.Now().AddDate(0, 0, -days)
	events, err := m.store.ListEventsSince(ctx, layer, since)
	if err != nil {
		return nil, fmt.Errorf("loading trend events for layer %s: %w", layer, err)
	}

	type bucket struct{ total, triggered int }
	byDay := map[string]*bucket{}
	for _, ev := range events {
		day := ev.CreatedAt.UTC().Format("2006-01-02")
		b := byDay[day]
		if b == nil {
			b = &bucket{}
			byDay[day] = b
		}
		b.total++
		if ev.Triggered {
			b.triggered++
		}
	}

	keys := make([]string, 0, len(byDay))
	for day := range byDay {
		keys = append(keys, day)
	}
	sort.Strings(keys)

	points := make([]TrendPoint, 0, len(keys))
	for _, day := range keys {
		b := byDay[day]
		points = append(points, TrendPoint{
			Date:        day,
			Events:      b.total,
			TriggerRate: float64(b.triggered) / float64(b.total),
		})
	}
	return points, nil
}

// GetDashboardSummary aggregates every layer for the operations view.
func (m *Metrics) GetDashboardSummary(ctx context.Context) (*DashboardSummary, error) {
	summary := &DashboardSummary{GeneratedAt: time.Now().UTC()}
	var failed []string
	for _, layer := range allLayers {
		metrics, err := m.GetLayerMetrics(ctx, layer)
		if err != nil {
			failed = append(failed, string(layer))
			continue
		}
		summary.Layers = append(summary.Layers, *metrics)
	}
	if len(failed) == len(allLayers) {
		return nil, fmt.Errorf("dashboard aggregation failed for all layers: %s", strings.Join(failed, ", "))
	}
	return summary, nil
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
