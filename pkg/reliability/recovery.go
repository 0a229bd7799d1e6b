package reliability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/repro"
)

// Recovery strategies.
const (
	StrategyInferCommand = "infer-command"
	StrategyShift        = "strategy-shift"
	StrategyRequestHuman = "request-human"
)

// InferFunc is a session-bound closure over Reproduction Inference: the
// caller binds the repo tree and sandbox, recovery decides when to invoke it.
type InferFunc func(ctx context.Context) (*repro.Result, error)

// RecoveryOptions carry what the session can offer the recovery service.
type RecoveryOptions struct {
	// Infer is available when the session lacks a reproduction command.
	Infer InferFunc

	// ShiftAdvice, when non-empty, is the advisory the session can feed
	// into its next iteration; empty means the session has no strategy
	// shift left to try.
	ShiftAdvice string
}

// RecoveryResult is the chosen strategy and its outcome.
type RecoveryResult struct {
	Strategy string
	Notes    string

	// Command is set when infer-command recovered a reproduction command.
	Command string

	// Recovered is false only on the request-human path.
	Recovered bool
}

// RecoveryStrategyService maps a triggered reliability event to a recovery
// strategy and records the outcome on the originating event.
type RecoveryStrategyService struct {
	telemetry *Telemetry
	logger    *slog.Logger
}

// NewRecoveryStrategyService builds the service.
func NewRecoveryStrategyService(telemetry *Telemetry, logger *slog.Logger) *RecoveryStrategyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryStrategyService{telemetry: telemetry, logger: logger}
}

// AttemptRecovery chooses a strategy for the event's layer. The last-resort
// request-human path is always available and never errors.
func (s *RecoveryStrategyService) AttemptRecovery(ctx context.Context, event *models.ReliabilityEvent, opts RecoveryOptions) *RecoveryResult {
	switch event.Layer {
	case models.LayerReproduction:
		return s.recoverReproduction(ctx, event, opts)
	case models.LayerLoopDetection:
		return s.recoverLoop(ctx, event, opts)
	default:
		return s.requestHuman(ctx, event, fmt.Sprintf("no recovery strategy for layer %s", event.Layer))
	}
}

// recoverReproduction runs Reproduction Inference to obtain the missing
// command; on failure it falls back to requesting a human.
func (s *RecoveryStrategyService) recoverReproduction(ctx context.Context, event *models.ReliabilityEvent, opts RecoveryOptions) *RecoveryResult {
	if opts.Infer == nil {
		return s.requestHuman(ctx, event, "no inference capability available")
	}

	result, err := opts.Infer(ctx)
	if err != nil || result == nil {
		s.telemetry.UpdateRecoveryOutcome(ctx, event.ID, StrategyInferCommand, false)
		notes := "inference found no candidate"
		if err != nil {
			notes = fmt.Sprintf("inference failed: %v", err)
		}
		s.logger.Warn("Reproduction inference recovery failed", "event_id", event.ID, "notes", notes)
		return s.requestHuman(ctx, event, notes)
	}

	s.telemetry.UpdateRecoveryOutcome(ctx, event.ID, StrategyInferCommand, true)
	s.logger.Info("Recovered reproduction command",
		"event_id", event.ID, "command", result.Command, "strategy", result.Strategy)
	return &RecoveryResult{
		Strategy:  StrategyInferCommand,
		Notes:     fmt.Sprintf("inferred via %s (confidence %.2f): %s", result.Strategy, result.Confidence, result.Reasoning),
		Command:   result.Command,
		Recovered: true,
	}
}

// recoverLoop shifts strategy when the session still has an alternative
// approach; otherwise it requests a human.
func (s *RecoveryStrategyService) recoverLoop(ctx context.Context, event *models.ReliabilityEvent, opts RecoveryOptions) *RecoveryResult {
	if opts.ShiftAdvice == "" {
		return s.requestHuman(ctx, event, "no strategy shift available")
	}
	s.telemetry.UpdateRecoveryOutcome(ctx, event.ID, StrategyShift, true)
	s.logger.Info("Shifting strategy after loop detection", "event_id", event.ID)
	return &RecoveryResult{
		Strategy:  StrategyShift,
		Notes:     opts.ShiftAdvice,
		Recovered: true,
	}
}

func (s *RecoveryStrategyService) requestHuman(ctx context.Context, event *models.ReliabilityEvent, notes string) *RecoveryResult {
	s.telemetry.MarkHumanRequested(ctx, event.ID)
	return &RecoveryResult{
		Strategy: StrategyRequestHuman,
		Notes:    notes,
	}
}
