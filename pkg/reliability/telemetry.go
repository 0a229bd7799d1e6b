// Package reliability persists defense-layer events, aggregates them into
// layer metrics, adapts trigger thresholds from observed rates, and maps
// triggered events to recovery strategies.
package reliability

import (
	"context"
	"log/slog"
	"time"

	"github.com/anchapin/cifixd/pkg/models"
)

// EventStore is the persistence surface telemetry needs.
type EventStore interface {
	InsertReliabilityEvent(ctx context.Context, ev *models.ReliabilityEvent) error
	UpdateRecoveryOutcome(ctx context.Context, eventID, strategy string, outcome models.EventOutcome, successful bool) error
	GetRecentEvents(ctx context.Context, layer models.DefenseLayer, n int) ([]*models.ReliabilityEvent, error)
	ListEventsSince(ctx context.Context, layer models.DefenseLayer, since time.Time) ([]*models.ReliabilityEvent, error)
	DeleteOldEvents(ctx context.Context, days int) (int, error)
}

// Telemetry appends reliability events. Persistence failures are logged and
// absorbed so a database hiccup never fails the session that reported the
// event; the event ID is returned regardless for later outcome updates.
type Telemetry struct {
	store  EventStore
	logger *slog.Logger
}

// NewTelemetry builds the telemetry service.
func NewTelemetry(store EventStore, logger *slog.Logger) *Telemetry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telemetry{store: store, logger: logger}
}

// RecordEvent appends one event row and returns it with its assigned ID.
func (t *Telemetry) RecordEvent(ctx context.Context, ev *models.ReliabilityEvent) *models.ReliabilityEvent {
	if ev.Outcome == "" {
		ev.Outcome = models.OutcomePassed
	}
	if err := t.store.InsertReliabilityEvent(ctx, ev); err != nil {
		t.logger.Error("Failed to persist reliability event",
			"layer", ev.Layer, "outcome", ev.Outcome, "error", err)
	}
	return ev
}

// RecordReproductionRequired records a triggered phase2-reproduction event.
func (t *Telemetry) RecordReproductionRequired(ctx context.Context, eventContext map[string]any, threshold float64) *models.ReliabilityEvent {
	return t.RecordEvent(ctx, &models.ReliabilityEvent{
		Layer:     models.LayerReproduction,
		Triggered: true,
		Threshold: threshold,
		Context:   eventContext,
		Outcome:   models.OutcomeTriggered,
	})
}

// RecordStrategyLoopDetected records a triggered phase3-loop-detection event.
func (t *Telemetry) RecordStrategyLoopDetected(ctx context.Context, eventContext map[string]any) *models.ReliabilityEvent {
	return t.RecordEvent(ctx, &models.ReliabilityEvent{
		Layer:     models.LayerLoopDetection,
		Triggered: true,
		Context:   eventContext,
		Outcome:   models.OutcomeTriggered,
	})
}

// UpdateRecoveryOutcome mutates an earlier event with its recovery result.
// Best effort; a lost update only skews future metrics slightly.
func (t *Telemetry) UpdateRecoveryOutcome(ctx context.Context, eventID, strategy string, success bool) {
	outcome := models.RecoveredBy(strategy)
	if !success {
		outcome = models.FailedBy(strategy)
	}
	if err := t.store.UpdateRecoveryOutcome(ctx, eventID, strategy, outcome, success); err != nil {
		t.logger.Error("Failed to update recovery outcome",
			"event_id", eventID, "strategy", strategy, "error", err)
	}
}

// MarkHumanRequested records the last-resort outcome on an event.
func (t *Telemetry) MarkHumanRequested(ctx context.Context, eventID string) {
	if err := t.store.UpdateRecoveryOutcome(ctx, eventID, "request-human", models.OutcomeHumanRequested, false); err != nil {
		t.logger.Error("Failed to mark event human-requested", "event_id", eventID, "error", err)
	}
}

// GetRecentEvents returns the newest n events for a layer.
func (t *Telemetry) GetRecentEvents(ctx context.Context, layer models.DefenseLayer, n int) ([]*models.ReliabilityEvent, error) {
	return t.store.GetRecentEvents(ctx, layer, n)
}

// DeleteOldEvents prunes events older than the retention window.
func (t *Telemetry) DeleteOldEvents(ctx context.Context, days int) (int, error) {
	return t.store.DeleteOldEvents(ctx, days)
}
