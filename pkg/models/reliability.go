package models

import "time"

// DefenseLayer names a reliability checkpoint.
type DefenseLayer string

// Defense layers.
const (
	LayerReproduction  DefenseLayer = "phase2-reproduction"
	LayerLoopDetection DefenseLayer = "phase3-loop-detection"
)

// EventOutcome is the terminal outcome of a reliability event.
// Recovery outcomes are of the form "recovered-by-<strategy>" or
// "failed-<strategy>".
type EventOutcome string

// Base outcomes.
const (
	OutcomePassed         EventOutcome = "passed"
	OutcomeTriggered      EventOutcome = "triggered"
	OutcomeHumanRequested EventOutcome = "human-requested"
)

// RecoveredBy builds the outcome for a successful recovery strategy.
func RecoveredBy(strategy string) EventOutcome {
	return EventOutcome("recovered-by-" + strategy)
}

// FailedBy builds the outcome for a failed recovery strategy.
func FailedBy(strategy string) EventOutcome {
	return EventOutcome("failed-" + strategy)
}

// ReliabilityEvent is an immutable audit record of a defense-layer check.
// The only post-insert mutation allowed is the recovery outcome update.
type ReliabilityEvent struct {
	ID                 string         `json:"id"`
	RunID              string         `json:"run_id,omitempty"`
	Layer              DefenseLayer   `json:"layer"`
	Triggered          bool           `json:"triggered"`
	Threshold          float64        `json:"threshold"`
	Context            map[string]any `json:"context,omitempty"`
	Outcome            EventOutcome   `json:"outcome"`
	RecoveryStrategy   string         `json:"recovery_strategy,omitempty"`
	RecoverySuccessful *bool          `json:"recovery_successful,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// FixTrajectory aggregates repair outcomes for a given error category and
// complexity band, for offline strategy mining. Counters are running totals;
// Reward is a running average maintained on write.
type FixTrajectory struct {
	ID              string        `json:"id"`
	ErrorCategory   ErrorCategory `json:"error_category"`
	Complexity      int           `json:"complexity"`
	ToolSequence    []string      `json:"tool_sequence"`
	Success         bool          `json:"success"`
	OccurrenceCount int           `json:"occurrence_count"`
	TotalCost       float64       `json:"total_cost"`
	TotalLatency    time.Duration `json:"total_latency"`
	Reward          float64       `json:"reward"`
	LastUsed        time.Time     `json:"last_used"`
}
