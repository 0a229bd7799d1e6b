// Package graph implements the repair state machine. A per-session engine
// drives the analysis, planning, execution, verification and finish nodes
// over a plain GraphState value; services live in the engine's Context,
// never in the state.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anchapin/cifixd/pkg/learning"
	"github.com/anchapin/cifixd/pkg/loopdetect"
	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/reliability"
	"github.com/anchapin/cifixd/pkg/repair"
	"github.com/anchapin/cifixd/pkg/repro"
	"github.com/anchapin/cifixd/pkg/runbook"
	"github.com/anchapin/cifixd/pkg/sandbox"
)

// Log-fetch strategies, chosen by iteration.
const (
	LogStrategyExtended    = "extended"
	LogStrategyAnyError    = "any_error"
	LogStrategyForceLatest = "force_latest"
)

// FailureLogs is what the host returns for a failed workflow run.
type FailureLogs struct {
	LogText string
	HeadSHA string
	JobName string
}

// Host is the source-host surface the nodes consume.
type Host interface {
	// FetchFailureLogs fetches the failure log of the group's main run using
	// the named selection strategy.
	FetchFailureLogs(ctx context.Context, group models.RunGroup, strategy string) (*FailureLogs, error)
	// FindClosestFile resolves a possibly inexact path to the closest repo
	// file; empty when nothing matches.
	FindClosestFile(ctx context.Context, path string) (string, error)
	// GetFileContent returns the content of a repo file at head.
	GetFileContent(ctx context.Context, path string) (string, error)
	// ListFiles lists all repo-relative file paths at head.
	ListFiles(ctx context.Context) ([]string, error)
}

// Diagnoser is the LLM operation surface consumed by the nodes. The concrete
// implementation is diagnose.Service.
type Diagnoser interface {
	ClassifyErrorWithHistory(ctx context.Context, logText, mainPath string, history []models.HistoryEntry) (*models.Classification, error)
	DiagnoseError(ctx context.Context, logText, repoContext string, classification *models.Classification, feedback []string) (*models.Diagnosis, error)
	GenerateDetailedPlan(ctx context.Context, diagnosis *models.Diagnosis, state *models.GraphState) (*models.Plan, error)
	GenerateFix(ctx context.Context, file *models.FileState, diagnosis *models.Diagnosis, feedback []string, webSearchCtx string) (string, error)
	JudgeFix(ctx context.Context, path, original, modified string, diagnosis *models.Diagnosis) (bool, string, error)
	RefineProblemStatement(ctx context.Context, diagnosis *models.Diagnosis, feedback []string, previous string) (string, error)
	DecomposeProblem(ctx context.Context, diagnosis *models.Diagnosis, logText string) (*models.ErrorDAG, error)
}

// FactStore persists per-run artifacts. Write failures are absorbed by the
// nodes: the session proceeds on a degraded audit trail.
type FactStore interface {
	InsertErrorFact(ctx context.Context, fact *models.ErrorFact) error
	InsertFileModification(ctx context.Context, mod *models.FileModification) error
}

// UpdateStateFunc persists a GraphState snapshot.
type UpdateStateFunc func(ctx context.Context, state *models.GraphState) error

// Context holds the services one session's nodes consume. State is a plain
// value; this record is the only place handles live.
type Context struct {
	Diagnoser Diagnoser
	Host      Host
	Sandbox   sandbox.Sandbox
	Facts     FactStore

	// Monitor, when set, is consulted after sandbox commands; a critical
	// resource crossing aborts the iteration.
	Monitor *sandbox.Monitor

	Repro        *repro.Inferrer
	LoopDetector *loopdetect.Detector
	LoopEvents   *LoopEventRecorder
	Telemetry    *reliability.Telemetry
	Recovery     *reliability.RecoveryStrategyService
	Thresholds   *reliability.AdaptiveThresholdService
	Runbook      RunbookMatcher

	// Repair, when set, handles high-complexity single-file fixes through
	// the multi-candidate pipeline instead of a direct edit.
	Repair *repair.Agent

	// Learning, when set, receives the terminal outcome of every session.
	Learning *learning.Reflection

	// WebSearch, when set, supplies extra context for fix generation on
	// iteration 1 and later.
	WebSearch func(ctx context.Context, query string) (string, error)

	UpdateState UpdateStateFunc
	Logger      *slog.Logger

	LintTimeout         time.Duration
	ReproductionTimeout time.Duration
}

// RunbookMatcher resolves static repair guidance for a classified failure.
// Implemented by runbook.Matcher.
type RunbookMatcher interface {
	Lookup(category models.ErrorCategory, logText, errorFingerprint string) *runbook.Resolution
}

// Engine runs the state machine for one session.
type Engine struct {
	services Context
	logger   *slog.Logger

	lintTimeout  time.Duration
	reproTimeout time.Duration
}

// NewEngine builds an engine over the session's services.
func NewEngine(services Context) *Engine {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lint := services.LintTimeout
	if lint <= 0 {
		lint = 30 * time.Second
	}
	reproTimeout := services.ReproductionTimeout
	if reproTimeout <= 0 {
		reproTimeout = 120 * time.Second
	}
	return &Engine{
		services:     services,
		logger:       logger,
		lintTimeout:  lint,
		reproTimeout: reproTimeout,
	}
}

// Run drives the state machine to a terminal node. The returned state is the
// same value, mutated in place; callers own persistence of the final snapshot
// beyond the UpdateState callback.
func (e *Engine) Run(ctx context.Context, state *models.GraphState) *models.GraphState {
	for {
		if ctx.Err() != nil && state.CurrentNode != models.NodeFinish {
			state.Fail("Cancelled")
		}

		switch state.CurrentNode {
		case models.NodeAnalysis:
			e.runAnalysis(ctx, state)
		case models.NodePlanning:
			e.runPlanning(ctx, state)
		case models.NodeExecution:
			e.runExecution(ctx, state)
		case models.NodeVerification:
			e.runVerification(ctx, state)
		case models.NodeFinish:
			e.runFinish(ctx, state)
			return state
		default:
			state.Fail(fmt.Sprintf("unknown graph node %q", state.CurrentNode))
		}

		e.persist(ctx, state)
	}
}

func (e *Engine) runFinish(ctx context.Context, state *models.GraphState) {
	// Persist the terminal snapshot even when the session was cancelled.
	e.persist(context.WithoutCancel(ctx), state)
	e.recordOutcome(state)
	e.logger.Info("Session finished",
		"run_id", state.RunID,
		"status", state.Status,
		"iterations", state.Iteration,
		"failure_reason", state.FailureReason)
}

// recordOutcome feeds the terminal outcome into the reflection store.
// Cancelled sessions say nothing about the fix approach and are skipped.
func (e *Engine) recordOutcome(state *models.GraphState) {
	if e.services.Learning == nil || state.Classification == nil {
		return
	}
	if state.Status == models.RunStatusCancelled {
		return
	}

	errorType := string(state.Classification.Category)
	summary := ""
	if state.Diagnosis != nil {
		summary = state.Diagnosis.Summary
	}
	outcomeContext := map[string]any{
		"run_id":     state.RunID,
		"complexity": state.ProblemComplexity,
		"iterations": state.Iteration,
	}

	if state.Status == models.RunStatusSuccess {
		e.services.Learning.RecordSuccess(errorType, summary, outcomeContext)
		return
	}
	e.services.Learning.RecordFailure(errorType, state.FailureReason, summary, outcomeContext)
}

func (e *Engine) persist(ctx context.Context, state *models.GraphState) {
	if e.services.UpdateState == nil {
		return
	}
	if err := e.services.UpdateState(ctx, state); err != nil {
		e.logger.Warn("State snapshot write absorbed", "run_id", state.RunID, "error", err)
	}
}

// LoopEventRecorder adapts reliability telemetry to the loop detector's
// callback shape and keeps the last recorded event for the recovery call.
type LoopEventRecorder struct {
	telemetry *reliability.Telemetry
	runID     string
	last      *models.ReliabilityEvent
}

// NewLoopEventRecorder builds a recorder bound to one run. telemetry may be
// nil, which records nothing.
func NewLoopEventRecorder(telemetry *reliability.Telemetry, runID string) *LoopEventRecorder {
	return &LoopEventRecorder{telemetry: telemetry, runID: runID}
}

// RecordStrategyLoopDetected implements loopdetect.Telemetry.
func (r *LoopEventRecorder) RecordStrategyLoopDetected(ctx context.Context, eventContext map[string]any) {
	if r.telemetry == nil {
		return
	}
	if r.runID != "" {
		eventContext["run_id"] = r.runID
	}
	r.last = r.telemetry.RecordStrategyLoopDetected(ctx, eventContext)
}

// LastEvent returns the most recently recorded loop event, or nil.
func (r *LoopEventRecorder) LastEvent() *models.ReliabilityEvent {
	if r == nil {
		return nil
	}
	return r.last
}

// hostTree adapts Host to the reproduction inferrer's repo-tree view.
type hostTree struct {
	host Host
}

func (t hostTree) List(ctx context.Context) ([]string, error) {
	return t.host.ListFiles(ctx)
}

func (t hostTree) Read(ctx context.Context, path string) ([]byte, error) {
	content, err := t.host.GetFileContent(ctx, path)
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}
