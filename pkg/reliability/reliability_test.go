package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/repro"
)

// memStore is an in-memory EventStore.
type memStore struct {
	events    []*models.ReliabilityEvent
	insertErr error
}

func (m *memStore) InsertReliabilityEvent(_ context.Context, ev *models.ReliabilityEvent) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) UpdateRecoveryOutcome(_ context.Context, eventID, strategy string, outcome models.EventOutcome, successful bool) error {
	for _, ev := range m.events {
		if ev.ID == eventID {
			ev.RecoveryStrategy = strategy
			ev.Outcome = outcome
			ev.RecoverySuccessful = &successful
			return nil
		}
	}
	return errors.New("not found")
}

func (m *memStore) GetRecentEvents(_ context.Context, layer models.DefenseLayer, n int) ([]*models.ReliabilityEvent, error) {
	var out []*models.ReliabilityEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < n; i-- {
		if m.events[i].Layer == layer {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *memStore) ListEventsSince(_ context.Context, layer models.DefenseLayer, since time.Time) ([]*models.ReliabilityEvent, error) {
	var out []*models.ReliabilityEvent
	for _, ev := range m.events {
		if ev.Layer == layer && !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) DeleteOldEvents(_ context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	var kept []*models.ReliabilityEvent
	deleted := 0
	for _, ev := range m.events {
		if ev.CreatedAt.Before(cutoff) {
			deleted++
		} else {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return deleted, nil
}

func seedEvents(store *memStore, layer models.DefenseLayer, triggered, passed int) {
	ctx := context.Background()
	for i := 0; i < triggered; i++ {
		_ = store.InsertReliabilityEvent(ctx, &models.ReliabilityEvent{
			Layer: layer, Triggered: true, Outcome: models.OutcomeTriggered,
		})
	}
	for i := 0; i < passed; i++ {
		_ = store.InsertReliabilityEvent(ctx, &models.ReliabilityEvent{
			Layer: layer, Outcome: models.OutcomePassed,
		})
	}
}

func TestTelemetry_ConvenienceRecorders(t *testing.T) {
	store := &memStore{}
	telemetry := NewTelemetry(store, nil)
	ctx := context.Background()

	ev := telemetry.RecordReproductionRequired(ctx, map[string]any{"run_id": "r1"}, 0.5)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, models.LayerReproduction, ev.Layer)
	assert.Equal(t, models.OutcomeTriggered, ev.Outcome)

	telemetry.RecordStrategyLoopDetected(ctx, map[string]any{"iteration": 3})
	require.Len(t, store.events, 2)
	assert.Equal(t, models.LayerLoopDetection, store.events[1].Layer)
}

func TestTelemetry_InsertFailureIsAbsorbed(t *testing.T) {
	store := &memStore{insertErr: errors.New("db down")}
	telemetry := NewTelemetry(store, nil)

	ev := telemetry.RecordReproductionRequired(context.Background(), nil, 0.5)
	assert.NotNil(t, ev, "telemetry must not fail the session on a db error")
}

func TestTelemetry_UpdateRecoveryOutcome(t *testing.T) {
	store := &memStore{}
	telemetry := NewTelemetry(store, nil)
	ctx := context.Background()

	ev := telemetry.RecordReproductionRequired(ctx, nil, 0.5)
	telemetry.UpdateRecoveryOutcome(ctx, ev.ID, "infer-command", true)

	assert.Equal(t, models.EventOutcome("recovered-by-infer-command"), store.events[0].Outcome)
	require.NotNil(t, store.events[0].RecoverySuccessful)
	assert.True(t, *store.events[0].RecoverySuccessful)

	telemetry.UpdateRecoveryOutcome(ctx, ev.ID, "infer-command", false)
	assert.Equal(t, models.EventOutcome("failed-infer-command"), store.events[0].Outcome)
}

func TestMetrics_GetLayerMetrics(t *testing.T) {
	store := &memStore{}
	seedEvents(store, models.LayerReproduction, 3, 7)
	metrics := NewMetrics(store)

	m, err := metrics.GetLayerMetrics(context.Background(), models.LayerReproduction)
	require.NoError(t, err)
	assert.Equal(t, 10, m.TotalEvents)
	assert.Equal(t, 3, m.TriggeredEvents)
	assert.InDelta(t, 0.3, m.TriggerRate, 0.0001)
}

func TestMetrics_AnalyzeThreshold(t *testing.T) {
	t.Run("confidence scales with sample size", func(t *testing.T) {
		store := &memStore{}
		seedEvents(store, models.LayerReproduction, 2, 8)
		metrics := NewMetrics(store)

		analysis, err := metrics.AnalyzeThreshold(context.Background(),
			models.LayerReproduction, 0.5, 0.2, 0.9, 20)
		require.NoError(t, err)
		assert.Equal(t, 10, analysis.DataPoints)
		assert.InDelta(t, 0.5, analysis.Confidence, 0.0001)
	})

	t.Run("high trigger rate suggests raising", func(t *testing.T) {
		store := &memStore{}
		seedEvents(store, models.LayerReproduction, 15, 5)
		metrics := NewMetrics(store)

		analysis, err := metrics.AnalyzeThreshold(context.Background(),
			models.LayerReproduction, 0.5, 0.2, 0.9, 20)
		require.NoError(t, err)
		assert.Greater(t, analysis.Suggested, analysis.CurrentThreshold)
		assert.InDelta(t, 1.0, analysis.Confidence, 0.0001)
	})

	t.Run("in-band trigger rate suggests no change", func(t *testing.T) {
		store := &memStore{}
		seedEvents(store, models.LayerReproduction, 4, 16)
		metrics := NewMetrics(store)

		analysis, err := metrics.AnalyzeThreshold(context.Background(),
			models.LayerReproduction, 0.5, 0.2, 0.9, 20)
		require.NoError(t, err)
		assert.Equal(t, analysis.CurrentThreshold, analysis.Suggested)
	})
}

func TestAdaptiveThresholds_AdjustAndClamp(t *testing.T) {
	store := &memStore{}
	// 75% trigger rate over 40 events: raise with full confidence.
	seedEvents(store, models.LayerReproduction, 30, 10)
	cfg := config.DefaultReliabilityThresholds()
	svc := NewAdaptiveThresholdService(cfg, NewMetrics(store), nil)

	before := svc.Threshold(models.LayerReproduction)
	adjustments, err := svc.AnalyzeAndAdjustThresholds(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, models.LayerReproduction, adjustments[0].Layer)
	assert.InDelta(t, before+cfg.Phase2Reproduction.AdjustStep, svc.Threshold(models.LayerReproduction), 0.0001)
}

func TestAdaptiveThresholds_LowConfidenceHolds(t *testing.T) {
	store := &memStore{}
	seedEvents(store, models.LayerReproduction, 5, 0) // only 5 of 20 needed
	cfg := config.DefaultReliabilityThresholds()
	svc := NewAdaptiveThresholdService(cfg, NewMetrics(store), nil)

	adjustments, err := svc.AnalyzeAndAdjustThresholds(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, adjustments)
	assert.InDelta(t, cfg.Phase2Reproduction.Threshold, svc.Threshold(models.LayerReproduction), 0.0001)
}

func TestAdaptiveThresholds_DisabledIsNoop(t *testing.T) {
	store := &memStore{}
	seedEvents(store, models.LayerReproduction, 30, 0)
	cfg := config.DefaultReliabilityThresholds()
	cfg.Enabled = false
	svc := NewAdaptiveThresholdService(cfg, NewMetrics(store), nil)

	adjustments, err := svc.AnalyzeAndAdjustThresholds(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, adjustments)
}

func TestRecovery_InferCommand(t *testing.T) {
	store := &memStore{}
	telemetry := NewTelemetry(store, nil)
	svc := NewRecoveryStrategyService(telemetry, nil)
	ctx := context.Background()

	event := telemetry.RecordReproductionRequired(ctx, nil, 0.5)
	result := svc.AttemptRecovery(ctx, event, RecoveryOptions{
		Infer: func(context.Context) (*repro.Result, error) {
			return &repro.Result{Command: "pytest", Confidence: 0.8, Strategy: repro.StrategySignature}, nil
		},
	})

	assert.True(t, result.Recovered)
	assert.Equal(t, StrategyInferCommand, result.Strategy)
	assert.Equal(t, "pytest", result.Command)
	assert.Equal(t, models.EventOutcome("recovered-by-infer-command"), store.events[0].Outcome)
}

func TestRecovery_InferFailureFallsBackToHuman(t *testing.T) {
	store := &memStore{}
	telemetry := NewTelemetry(store, nil)
	svc := NewRecoveryStrategyService(telemetry, nil)
	ctx := context.Background()

	event := telemetry.RecordReproductionRequired(ctx, nil, 0.5)
	result := svc.AttemptRecovery(ctx, event, RecoveryOptions{
		Infer: func(context.Context) (*repro.Result, error) { return nil, nil },
	})

	assert.False(t, result.Recovered)
	assert.Equal(t, StrategyRequestHuman, result.Strategy)
	assert.Equal(t, models.OutcomeHumanRequested, store.events[0].Outcome)
}

func TestRecovery_LoopShift(t *testing.T) {
	store := &memStore{}
	telemetry := NewTelemetry(store, nil)
	svc := NewRecoveryStrategyService(telemetry, nil)
	ctx := context.Background()

	event := telemetry.RecordStrategyLoopDetected(ctx, nil)

	t.Run("shift available", func(t *testing.T) {
		result := svc.AttemptRecovery(ctx, event, RecoveryOptions{ShiftAdvice: "try editing the config instead"})
		assert.True(t, result.Recovered)
		assert.Equal(t, StrategyShift, result.Strategy)
		assert.Equal(t, "try editing the config instead", result.Notes)
	})

	t.Run("no shift left", func(t *testing.T) {
		result := svc.AttemptRecovery(ctx, event, RecoveryOptions{})
		assert.False(t, result.Recovered)
		assert.Equal(t, StrategyRequestHuman, result.Strategy)
	})
}

func TestMetrics_Trend(t *testing.T) {
	store := &memStore{}
	now := time.Now().UTC()
	for i, triggered := range []bool{true, false, true, true} {
		_ = store.InsertReliabilityEvent(context.Background(), &models.ReliabilityEvent{
			Layer:     models.LayerReproduction,
			Triggered: triggered,
			CreatedAt: now.AddDate(0, 0, -i),
		})
	}
	metrics := NewMetrics(store)

	points, err := metrics.GetThresholdTrend(context.Background(), models.LayerReproduction, 7)
	require.NoError(t, err)
	assert.Len(t, points, 4)
	for _, p := range points {
		assert.Equal(t, 1, p.Events)
	}
}
