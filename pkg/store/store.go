// Package store persists repair-engine rows: agent runs, error facts, file
// modifications, reliability events, and fix trajectories.
//
// Rows are partitioned by run_id under the agent_runs parent; constraint
// violations surface as typed errors so a session can react without string
// matching.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Typed persistence errors.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrDuplicate indicates a primary-key or unique violation.
	ErrDuplicate = errors.New("duplicate row")

	// ErrForeignKey indicates a child insert referenced a missing parent
	// (e.g. no AgentRun for the given run_id). Fatal for the session.
	ErrForeignKey = errors.New("missing parent row")
)

// Postgres error codes surfaced as typed errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store provides repositories over a shared *sql.DB (pgx stdlib driver).
type Store struct {
	db *sql.DB
}

// New creates a Store on an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// mapError converts driver errors into the typed store errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrDuplicate)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, ErrForeignKey)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
