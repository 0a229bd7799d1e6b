package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PoolStats is the subset of sql.DBStats surfaced on the health endpoint.
type PoolStats struct {
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	MaxOpen   int   `json:"max_open"`
	WaitCount int64 `json:"wait_count"`
	WaitMS    int64 `json:"wait_ms"`
}

// HealthStatus reports connectivity plus connection pool counters.
type HealthStatus struct {
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Pool      PoolStats `json:"pool"`
}

// Health pings the database. On failure it still returns a status so the
// health endpoint can report the degraded state alongside the error.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:    "unhealthy",
			LatencyMS: time.Since(start).Milliseconds(),
		}, fmt.Errorf("ping database: %w", err)
	}

	s := db.Stats()
	return &HealthStatus{
		Status:    "healthy",
		LatencyMS: time.Since(start).Milliseconds(),
		Pool: PoolStats{
			Open:      s.OpenConnections,
			InUse:     s.InUse,
			Idle:      s.Idle,
			MaxOpen:   s.MaxOpenConnections,
			WaitCount: s.WaitCount,
			WaitMS:    s.WaitDuration.Milliseconds(),
		},
	}, nil
}
