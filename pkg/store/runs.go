package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/anchapin/cifixd/pkg/models"
)

// CreateRun inserts a new pending run.
func (s *Store) CreateRun(ctx context.Context, run *models.AgentRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, group_id, status, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())`,
		run.ID, run.GroupID, run.Status, nullBytes(run.State))
	return mapError("create run", err)
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, status, state, pod_id, last_heartbeat_at,
		       failure_reason, created_at, updated_at, started_at, completed_at
		FROM agent_runs WHERE id = $1`, id)
	return scanRun(row)
}

// ClaimNextRun atomically claims the oldest pending run for the given pod
// using FOR UPDATE SKIP LOCKED, marking it working and stamping the heartbeat.
func (s *Store) ClaimNextRun(ctx context.Context, podID string) (*models.AgentRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, group_id, status, state, pod_id, last_heartbeat_at,
		       failure_reason, created_at, updated_at, started_at, completed_at
		FROM agent_runs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, models.RunStatusPending)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = $2, pod_id = $3, started_at = $4, last_heartbeat_at = $4, updated_at = $4
		WHERE id = $1`,
		run.ID, models.RunStatusWorking, podID, now)
	if err != nil {
		return nil, mapError("claim run", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	run.Status = models.RunStatusWorking
	run.PodID = podID
	run.StartedAt = &now
	run.LastHeartbeatAt = &now
	return run, nil
}

// UpdateRunState stores the serialized GraphState snapshot.
func (s *Store) UpdateRunState(ctx context.Context, id string, state []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET state = $2, updated_at = now() WHERE id = $1`,
		id, nullBytes(state))
	if err != nil {
		return mapError("update run state", err)
	}
	return requireRow(res, "update run state")
}

// Heartbeat refreshes last_heartbeat_at for orphan detection.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET last_heartbeat_at = now() WHERE id = $1`, id)
	if err != nil {
		return mapError("heartbeat", err)
	}
	return requireRow(res, "heartbeat")
}

// FinalizeRun writes the terminal status. The status must be terminal.
func (s *Store) FinalizeRun(ctx context.Context, id string, status models.RunStatus, failureReason string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize run: status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = $2, failure_reason = NULLIF($3, ''), completed_at = now(), updated_at = now()
		WHERE id = $1`,
		id, status, failureReason)
	if err != nil {
		return mapError("finalize run", err)
	}
	return requireRow(res, "finalize run")
}

// CountRunsByStatus returns how many runs currently hold the given status.
func (s *Store) CountRunsByStatus(ctx context.Context, status models.RunStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM agent_runs WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, mapError("count runs", err)
	}
	return n, nil
}

// RequeueOrphans re-queues working runs whose heartbeat is older than the
// threshold. Returns the number of recovered runs.
func (s *Store) RequeueOrphans(ctx context.Context, threshold time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = $1, pod_id = NULL, last_heartbeat_at = NULL, updated_at = now()
		WHERE status = $2 AND last_heartbeat_at < $3`,
		models.RunStatusPending, models.RunStatusWorking, time.Now().Add(-threshold))
	if err != nil {
		return 0, mapError("requeue orphans", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RequeueStartupOrphans re-queues working runs stranded by a previous life of
// this pod (crash before finalize).
func (s *Store) RequeueStartupOrphans(ctx context.Context, podID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = $1, pod_id = NULL, last_heartbeat_at = NULL, updated_at = now()
		WHERE status = $2 AND pod_id = $3`,
		models.RunStatusPending, models.RunStatusWorking, podID)
	if err != nil {
		return 0, mapError("requeue startup orphans", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRun(row *sql.Row) (*models.AgentRun, error) {
	var (
		run           models.AgentRun
		state         sql.Null[[]byte]
		podID         sql.NullString
		heartbeat     sql.NullTime
		failureReason sql.NullString
		startedAt     sql.NullTime
		completedAt   sql.NullTime
	)
	err := row.Scan(&run.ID, &run.GroupID, &run.Status, &state, &podID, &heartbeat,
		&failureReason, &run.CreatedAt, &run.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, mapError("scan run", err)
	}
	if state.Valid {
		run.State = state.V
	}
	run.PodID = podID.String
	run.FailureReason = failureReason.String
	if heartbeat.Valid {
		run.LastHeartbeatAt = &heartbeat.Time
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
