package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anchapin/cifixd/pkg/models"
)

// InsertReliabilityEvent appends one defense-layer audit record.
func (s *Store) InsertReliabilityEvent(ctx context.Context, ev *models.ReliabilityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	var contextJSON []byte
	if ev.Context != nil {
		b, err := json.Marshal(ev.Context)
		if err != nil {
			return fmt.Errorf("marshal event context: %w", err)
		}
		contextJSON = b
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reliability_events
			(id, run_id, layer, triggered, threshold, context, outcome, recovery_strategy, recovery_successful)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`,
		ev.ID, ev.RunID, ev.Layer, ev.Triggered, ev.Threshold, nullBytes(contextJSON),
		ev.Outcome, ev.RecoveryStrategy, ev.RecoverySuccessful)
	return mapError("insert reliability event", err)
}

// UpdateRecoveryOutcome sets the recovery strategy and outcome of an earlier
// event. The only mutation reliability events permit.
func (s *Store) UpdateRecoveryOutcome(ctx context.Context, eventID, strategy string, outcome models.EventOutcome, successful bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reliability_events
		SET recovery_strategy = $2, outcome = $3, recovery_successful = $4
		WHERE id = $1`,
		eventID, strategy, outcome, successful)
	if err != nil {
		return mapError("update recovery outcome", err)
	}
	return requireRow(res, "update recovery outcome")
}

// GetRecentEvents returns the newest n events for a layer, newest first.
func (s *Store) GetRecentEvents(ctx context.Context, layer models.DefenseLayer, n int) ([]*models.ReliabilityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(run_id, ''), layer, triggered, threshold, context,
		       outcome, COALESCE(recovery_strategy, ''), recovery_successful, created_at
		FROM reliability_events
		WHERE layer = $1
		ORDER BY created_at DESC
		LIMIT $2`, layer, n)
	if err != nil {
		return nil, mapError("get recent events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsSince returns all events for a layer created after the cutoff,
// oldest first. Used by metrics aggregation.
func (s *Store) ListEventsSince(ctx context.Context, layer models.DefenseLayer, since time.Time) ([]*models.ReliabilityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(run_id, ''), layer, triggered, threshold, context,
		       outcome, COALESCE(recovery_strategy, ''), recovery_successful, created_at
		FROM reliability_events
		WHERE layer = $1 AND created_at >= $2
		ORDER BY created_at ASC`, layer, since)
	if err != nil {
		return nil, mapError("list events since", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteOldEvents prunes events older than the given number of days.
// Returns the number of deleted rows.
func (s *Store) DeleteOldEvents(ctx context.Context, days int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM reliability_events WHERE created_at < $1`,
		time.Now().AddDate(0, 0, -days))
	if err != nil {
		return 0, mapError("delete old events", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanEvents(rows *sql.Rows) ([]*models.ReliabilityEvent, error) {
	var events []*models.ReliabilityEvent
	for rows.Next() {
		var (
			ev          models.ReliabilityEvent
			contextJSON []byte
			successful  sql.NullBool
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Layer, &ev.Triggered, &ev.Threshold,
			&contextJSON, &ev.Outcome, &ev.RecoveryStrategy, &successful, &ev.CreatedAt); err != nil {
			return nil, mapError("scan reliability event", err)
		}
		if len(contextJSON) > 0 {
			_ = json.Unmarshal(contextJSON, &ev.Context)
		}
		if successful.Valid {
			ev.RecoverySuccessful = &successful.Bool
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
