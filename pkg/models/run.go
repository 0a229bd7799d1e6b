// Package models defines the data model shared by the repair engine:
// agent runs, graph state, reliability events, and learning records.
package models

import "time"

// RunStatus is the lifecycle status of an AgentRun.
type RunStatus string

// Run statuses. Pending and Cancelled are the queue states needed for
// DB-backed admission; the engine itself only moves between the other three.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusWorking   RunStatus = "working"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusCancelled
}

// AgentRun is one repair session. It is the parent row for every per-session
// artifact; deleting it cascades to ErrorFacts, FileModifications and
// ReliabilityEvents.
type AgentRun struct {
	ID      string    `json:"id"`
	GroupID string    `json:"group_id"`
	Status  RunStatus `json:"status"`

	// State is the serialized GraphState snapshot, updated as the graph runs.
	State []byte `json:"state,omitempty"`

	// Queue bookkeeping (claiming pod and heartbeat for orphan recovery).
	PodID           string     `json:"pod_id,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ErrorFact is the persisted iteration-0 diagnosis summary for a run.
type ErrorFact struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Summary   string         `json:"summary"`
	FilePath  string         `json:"file_path,omitempty"`
	FixAction FixAction      `json:"fix_action"`
	Notes     ErrorFactNotes `json:"notes"`
	CreatedAt time.Time      `json:"created_at"`
}

// ErrorFactNotes is the schema of the ErrorFact.notes JSON column.
// Unknown fields are ignored on read.
type ErrorFactNotes struct {
	Complexity             int    `json:"complexity"`
	IsAtomic               bool   `json:"isAtomic"`
	ClassificationCategory string `json:"classificationCategory"`
}

// FileModification records one file write performed by the execution node.
type FileModification struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Path       string    `json:"path"`
	BeforeHash string    `json:"before_hash"`
	AfterHash  string    `json:"after_hash"`
	CreatedAt  time.Time `json:"created_at"`
}
