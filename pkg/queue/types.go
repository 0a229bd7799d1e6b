// Package queue provides the DB-backed run queue: worker pool, claim loop,
// heartbeats, and orphan recovery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/anchapin/cifixd/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoRunsAvailable indicates no pending runs are in the queue.
	ErrNoRunsAvailable = errors.New("no runs available")

	// ErrAtCapacity indicates the global concurrent run limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// RunStore is the persistence surface the queue consumes. Implemented by
// store.Store.
type RunStore interface {
	ClaimNextRun(ctx context.Context, podID string) (*models.AgentRun, error)
	Heartbeat(ctx context.Context, id string) error
	FinalizeRun(ctx context.Context, id string, status models.RunStatus, failureReason string) error
	CountRunsByStatus(ctx context.Context, status models.RunStatus) (int, error)
	RequeueOrphans(ctx context.Context, threshold time.Duration) (int, error)
}

// RunExecutor processes one claimed run end to end.
//
// The executor owns the session lifecycle: it provisions the sandbox, drives
// the repair graph to a terminal node, and writes state snapshots
// progressively. The worker only handles claiming, heartbeat, and the
// terminal status row.
type RunExecutor interface {
	Execute(ctx context.Context, run *models.AgentRun) *ExecutionResult
}

// ExecutionResult is just the terminal state; all intermediate state was
// already written by the executor during processing.
type ExecutionResult struct {
	Status        models.RunStatus
	FailureReason string
	Err           error
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveRuns       int            `json:"active_runs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	RunsProcessed int       `json:"runs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
