package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anchapin/cifixd/pkg/loopdetect"
	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/reliability"
	"github.com/anchapin/cifixd/pkg/repro"
	"github.com/anchapin/cifixd/pkg/sandbox"
)

// strategyShiftAdvice is the one-shot advisory fed back after a detected
// loop. Its presence in feedback means the session has already shifted once.
const strategyShiftAdvice = "Strategy shift: the previous approach reproduced an earlier state. " +
	"Re-diagnose from scratch and prefer a different fix action or target file."

func (e *Engine) runVerification(ctx context.Context, state *models.GraphState) {
	logger := e.logger.With("run_id", state.RunID, "node", "verification", "iteration", state.Iteration)

	reproCmd := ""
	if state.Diagnosis != nil {
		reproCmd = state.Diagnosis.ReproductionCommand
	}
	if reproCmd == "" {
		reproCmd = e.recoverReproductionCommand(ctx, state)
		if reproCmd == "" {
			state.Fail("Reproduction command unavailable")
			return
		}
		if state.Diagnosis != nil {
			state.Diagnosis.ReproductionCommand = reproCmd
		}
		logger.Info("Recovered reproduction command", "command", reproCmd)
	}

	passed, output := e.runReproduction(ctx, reproCmd)
	state.AppendHistory(models.NodeVerification, "reproduce", fmt.Sprintf("passed=%t", passed))

	if passed {
		e.advanceOnPass(state, logger)
		return
	}

	state.Feedback = append(state.Feedback, "Test Suite Failed: "+logExcerpt(output))

	if err := e.checkResources(ctx, state, logger); err != nil {
		e.abortIteration(state, models.NodeVerification, err.Error())
		return
	}

	if e.services.LoopDetector != nil {
		snapshot := buildLoopSnapshot(state, output)
		if result := e.services.LoopDetector.DetectLoop(ctx, snapshot); result.Detected {
			if !e.recoverFromLoop(ctx, state) {
				state.Fail("Strategy loop")
				return
			}
		}
	}

	state.Iteration++
	if state.Iteration >= state.MaxIterations {
		state.Fail("Max iterations exceeded")
		return
	}

	// Force a fresh log fetch on the next analysis pass.
	state.CurrentLogText = ""
	state.CurrentNode = models.NodeAnalysis
}

// advanceOnPass finishes the session, or advances the decomposition to its
// next sub-problem when unsolved nodes remain.
func (e *Engine) advanceOnPass(state *models.GraphState, logger *slog.Logger) {
	if node := NextNode(state); node != nil {
		MarkSolved(state, node.ID)
		if NextNode(state) != nil {
			logger.Info("Sub-problem solved, advancing decomposition",
				"solved", node.ID, "progress", Progress(state))
			state.CurrentNode = models.NodePlanning
			return
		}
	}
	state.Status = models.RunStatusSuccess
	state.CurrentNode = models.NodeFinish
}

// recoverReproductionCommand records the missing-command event and asks the
// recovery service for one. Empty means the session cannot be verified.
func (e *Engine) recoverReproductionCommand(ctx context.Context, state *models.GraphState) string {
	threshold := 0.0
	if e.services.Thresholds != nil {
		threshold = e.services.Thresholds.Threshold(models.LayerReproduction)
	}

	event := &models.ReliabilityEvent{Layer: models.LayerReproduction, Triggered: true}
	if e.services.Telemetry != nil {
		event = e.services.Telemetry.RecordReproductionRequired(ctx, map[string]any{
			"run_id":    state.RunID,
			"iteration": state.Iteration,
		}, threshold)
	}
	if e.services.Recovery == nil {
		return ""
	}

	result := e.services.Recovery.AttemptRecovery(ctx, event, reliability.RecoveryOptions{
		Infer: e.inferFunc(state),
	})
	if !result.Recovered {
		return ""
	}
	return result.Command
}

// recoverFromLoop asks the recovery service for a strategy shift. The shift
// is one-shot: a second loop on the same session requests a human.
func (e *Engine) recoverFromLoop(ctx context.Context, state *models.GraphState) bool {
	event := e.services.LoopEvents.LastEvent()
	if event == nil {
		event = &models.ReliabilityEvent{Layer: models.LayerLoopDetection, Triggered: true}
	}
	if e.services.Recovery == nil {
		return false
	}

	result := e.services.Recovery.AttemptRecovery(ctx, event, reliability.RecoveryOptions{
		ShiftAdvice: e.shiftAdvice(state),
	})
	if !result.Recovered {
		return false
	}
	state.Feedback = append(state.Feedback, result.Notes)
	return true
}

func (e *Engine) shiftAdvice(state *models.GraphState) string {
	for _, f := range state.Feedback {
		if f == strategyShiftAdvice {
			return ""
		}
	}
	return strategyShiftAdvice
}

// inferFunc binds Reproduction Inference to this session's repo tree and
// sandbox. Nil when the session has no inferrer.
func (e *Engine) inferFunc(state *models.GraphState) reliability.InferFunc {
	if e.services.Repro == nil {
		return nil
	}
	return func(ctx context.Context) (*repro.Result, error) {
		fc := &repro.FailureContext{
			WorkflowPath: state.Group.WorkflowPath,
			LogText:      state.CurrentLogText,
		}
		if fc.WorkflowPath != "" {
			if content, err := e.services.Host.GetFileContent(ctx, fc.WorkflowPath); err == nil {
				fc.WorkflowYAML = content
			}
		}
		return e.services.Repro.Infer(ctx, hostTree{host: e.services.Host}, fc, e.services.Sandbox)
	}
}

func (e *Engine) runReproduction(ctx context.Context, cmd string) (bool, string) {
	if e.services.Sandbox == nil {
		return false, "no sandbox available"
	}
	res, err := e.services.Sandbox.RunCommand(ctx, cmd, sandbox.ExecOptions{Timeout: e.reproTimeout})
	if err != nil {
		return false, fmt.Sprintf("reproduction command error: %v", err)
	}
	return res.ExitCode == 0, res.Stderr + res.Stdout
}

// buildLoopSnapshot captures the externally observable state of the failed
// iteration for duplicate detection. The checksum covers the full modified
// file set, not just the files touched this iteration: two iterations that
// leave the workspace in the same state with the same error output are a
// loop even when they edited different files to get there.
func buildLoopSnapshot(state *models.GraphState, errOutput string) models.LoopStateSnapshot {
	contents := make(map[string][]byte)
	var changed []string
	for filePath, file := range state.Files {
		if file.Status == models.FileModified && file.Modified != nil {
			changed = append(changed, filePath)
			contents[filePath] = []byte(file.Modified.Content)
		}
	}
	return models.LoopStateSnapshot{
		Iteration:        state.Iteration,
		FilesChanged:     changed,
		ContentChecksum:  loopdetect.ChecksumContents(contents),
		ErrorFingerprint: loopdetect.ChecksumText(errOutput),
		Timestamp:        time.Now(),
	}
}
