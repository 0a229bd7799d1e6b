package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anchapin/cifixd/pkg/models"
)

// TrajectorySample is one observed repair outcome to fold into the running
// aggregates of a FixTrajectory row.
type TrajectorySample struct {
	ErrorCategory models.ErrorCategory
	Complexity    int
	ToolSequence  []string
	Success       bool
	Cost          float64
	Latency       time.Duration
	Reward        float64
}

// RecordTrajectory upserts the aggregate row for (category, complexity,
// success), incrementing counters and maintaining the running-average reward.
func (s *Store) RecordTrajectory(ctx context.Context, sample TrajectorySample) error {
	tools, err := json.Marshal(sample.ToolSequence)
	if err != nil {
		return fmt.Errorf("marshal tool sequence: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fix_trajectories
			(id, error_category, complexity, tool_sequence, success,
			 occurrence_count, total_cost, total_latency_ms, reward, last_used)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, now())
		ON CONFLICT (error_category, complexity, success) DO UPDATE SET
			tool_sequence    = EXCLUDED.tool_sequence,
			occurrence_count = fix_trajectories.occurrence_count + 1,
			total_cost       = fix_trajectories.total_cost + EXCLUDED.total_cost,
			total_latency_ms = fix_trajectories.total_latency_ms + EXCLUDED.total_latency_ms,
			reward = (fix_trajectories.reward * fix_trajectories.occurrence_count + EXCLUDED.reward)
			         / (fix_trajectories.occurrence_count + 1),
			last_used        = now()`,
		uuid.NewString(), sample.ErrorCategory, sample.Complexity, tools, sample.Success,
		sample.Cost, sample.Latency.Milliseconds(), sample.Reward)
	return mapError("record trajectory", err)
}

// ListTrajectories returns aggregates for a category, most recently used first.
func (s *Store) ListTrajectories(ctx context.Context, category models.ErrorCategory) ([]*models.FixTrajectory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, error_category, complexity, tool_sequence, success,
		       occurrence_count, total_cost, total_latency_ms, reward, last_used
		FROM fix_trajectories
		WHERE error_category = $1
		ORDER BY last_used DESC`, category)
	if err != nil {
		return nil, mapError("list trajectories", err)
	}
	defer rows.Close()

	var out []*models.FixTrajectory
	for rows.Next() {
		var (
			t         models.FixTrajectory
			tools     []byte
			latencyMS int64
		)
		if err := rows.Scan(&t.ID, &t.ErrorCategory, &t.Complexity, &tools, &t.Success,
			&t.OccurrenceCount, &t.TotalCost, &latencyMS, &t.Reward, &t.LastUsed); err != nil {
			return nil, mapError("scan trajectory", err)
		}
		_ = json.Unmarshal(tools, &t.ToolSequence)
		t.TotalLatency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, &t)
	}
	return out, rows.Err()
}
