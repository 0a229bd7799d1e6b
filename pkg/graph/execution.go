package graph

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/anchapin/cifixd/pkg/errs"
	"github.com/anchapin/cifixd/pkg/loopdetect"
	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/sandbox"
)

// lintCommands maps file extensions to a syntax-only check run after a fix
// is applied. A checker missing from the sandbox image skips the check.
// The target path is appended as a literal argv element and never passes
// through a shell.
var lintCommands = map[string][]string{
	".py":   {"python", "-m", "py_compile"},
	".js":   {"node", "--check"},
	".mjs":  {"node", "--check"},
	".sh":   {"sh", "-n"},
	".json": {"python", "-m", "json.tool"},
}

func (e *Engine) runExecution(ctx context.Context, state *models.GraphState) {
	logger := e.logger.With("run_id", state.RunID, "node", "execution", "iteration", state.Iteration)

	if state.Diagnosis == nil {
		state.Fail("No diagnosis")
		return
	}
	diagnosis := state.Diagnosis

	switch diagnosis.FixAction {
	case models.FixActionCommand:
		e.runCommandFix(ctx, state, diagnosis)
	default:
		if !e.runRepairPipeline(ctx, state, diagnosis, logger) {
			for _, reserved := range state.FileReservations {
				e.applyEdit(ctx, state, diagnosis, reserved, logger)
			}
		}
	}

	if err := e.checkResources(ctx, state, logger); err != nil {
		e.abortIteration(state, models.NodeExecution, err.Error())
		return
	}

	state.CurrentNode = models.NodeVerification
}

// checkResources samples sandbox usage after this node's commands have run.
// A critical crossing marks the sandbox unhealthy and is returned; any other
// outcome is nil.
func (e *Engine) checkResources(ctx context.Context, state *models.GraphState, logger *slog.Logger) error {
	if e.services.Monitor == nil || e.services.Sandbox == nil {
		return nil
	}
	err := e.services.Monitor.Check(ctx, e.services.Sandbox)
	if err == nil {
		return nil
	}
	if !errs.IsKind(err, errs.KindResourceExhausted) {
		logger.Warn("Resource check errored, ignoring", "error", err)
		return nil
	}
	logger.Warn("Sandbox over critical resource threshold", "error", err)
	state.SandboxUnhealthy = true
	state.Feedback = append(state.Feedback, "Iteration aborted: "+err.Error())
	return err
}

// abortIteration counts the aborted iteration and restarts from analysis, or
// fails the session at the iteration cap.
func (e *Engine) abortIteration(state *models.GraphState, node models.GraphNode, reason string) {
	state.AppendHistory(node, "resource_exhausted", reason)
	state.Iteration++
	if state.Iteration >= state.MaxIterations {
		state.Fail("Max iterations exceeded")
		return
	}
	state.CurrentLogText = ""
	state.CurrentNode = models.NodeAnalysis
}

// runCommandFix executes the suggested command. No FileModification row is
// created on this path; a failed command becomes verification feedback.
func (e *Engine) runCommandFix(ctx context.Context, state *models.GraphState, diagnosis *models.Diagnosis) {
	if e.services.Sandbox == nil {
		state.Feedback = append(state.Feedback, "Suggested command not run: no sandbox available")
		return
	}
	res, err := e.services.Sandbox.RunCommand(ctx, diagnosis.SuggestedCommand, sandbox.ExecOptions{})
	switch {
	case err != nil:
		state.Feedback = append(state.Feedback,
			fmt.Sprintf("Suggested command failed: %v", err))
	case res.ExitCode != 0:
		state.Feedback = append(state.Feedback,
			fmt.Sprintf("Suggested command exited %d: %s", res.ExitCode, logExcerpt(res.Stderr+res.Stdout)))
	}
	state.AppendHistory(models.NodeExecution, "run_command", diagnosis.SuggestedCommand)
}

// runRepairPipeline delegates a high-complexity single-file fix to the
// multi-candidate pipeline. false means execution falls back to direct edits.
func (e *Engine) runRepairPipeline(ctx context.Context, state *models.GraphState, diagnosis *models.Diagnosis, logger *slog.Logger) bool {
	if e.services.Repair == nil || e.services.Thresholds == nil {
		return false
	}
	if float64(state.ProblemComplexity) < e.services.Thresholds.ComplexityThreshold() {
		return false
	}
	// The pipeline validates candidates by re-running the reproduction against
	// one target file; composite edits stay on the direct path.
	if len(state.FileReservations) != 1 || diagnosis.ReproductionCommand == "" {
		return false
	}

	filePath := state.FileReservations[0]
	file := state.Files[filePath]
	if file == nil {
		file = &models.FileState{Path: filePath, Status: models.FileOriginal}
		state.Files[filePath] = file
	}
	if file.Original.Content == "" {
		content, err := e.services.Host.GetFileContent(ctx, filePath)
		if err != nil {
			logger.Warn("Original content unavailable, skipping repair pipeline",
				"path", filePath, "error", err)
			return false
		}
		file.Original.Content = content
	}

	outcome, err := e.services.Repair.Run(ctx, state.CurrentLogText, file.Original.Content,
		e.services.Sandbox, diagnosis.ReproductionCommand)
	if err != nil || outcome == nil || outcome.Patch == nil {
		if err != nil {
			logger.Warn("Repair pipeline failed, falling back to direct edit", "error", err)
		}
		return false
	}

	e.applyAndLint(ctx, state, filePath, outcome.Patch.Code, logger)

	file.Modified = &models.FileVersion{Content: outcome.Patch.Code, Name: path.Base(filePath)}
	file.Status = models.FileModified

	if e.services.Facts != nil {
		mod := &models.FileModification{
			RunID:      state.RunID,
			Path:       filePath,
			BeforeHash: loopdetect.ChecksumText(file.Original.Content),
			AfterHash:  loopdetect.ChecksumText(outcome.Patch.Code),
		}
		if err := e.services.Facts.InsertFileModification(ctx, mod); err != nil {
			logger.Warn("FileModification write absorbed", "path", filePath, "error", err)
		}
	}

	state.AppendHistory(models.NodeExecution, "repair_pipeline",
		fmt.Sprintf("%s strategy=%s refinements=%d", filePath, outcome.Patch.Strategy, outcome.Refinements))
	return true
}

func (e *Engine) applyEdit(ctx context.Context, state *models.GraphState, diagnosis *models.Diagnosis, filePath string, logger *slog.Logger) {
	file := state.Files[filePath]
	if file == nil {
		file = &models.FileState{Path: filePath, Status: models.FileOriginal}
		state.Files[filePath] = file
	}

	if file.Original.Content == "" {
		content, err := e.services.Host.GetFileContent(ctx, filePath)
		if err != nil {
			logger.Warn("Original content unavailable, continuing with empty original",
				"path", filePath, "error", err)
		} else {
			file.Original.Content = content
		}
	}

	webSearchCtx := ""
	if state.Iteration >= 1 && e.services.WebSearch != nil {
		result, err := e.services.WebSearch(ctx, diagnosis.Summary)
		if err != nil {
			logger.Warn("Web search failed", "error", err)
		} else {
			webSearchCtx = result
		}
	}

	modified, err := e.services.Diagnoser.GenerateFix(ctx, file, diagnosis, state.Feedback, webSearchCtx)
	if err != nil {
		state.Feedback = append(state.Feedback,
			fmt.Sprintf("Fix generation failed for %s: %v", filePath, err))
		return
	}

	e.applyAndLint(ctx, state, filePath, modified, logger)

	approved, reason, err := e.services.Diagnoser.JudgeFix(ctx, filePath, file.Original.Content, modified, diagnosis)
	if err != nil {
		logger.Warn("Fix judgement failed, accepting fix", "path", filePath, "error", err)
	} else if !approved {
		// Soft vote: record the objection, keep the fix.
		state.Feedback = append(state.Feedback,
			fmt.Sprintf("Judge flagged fix for %s: %s", filePath, reason))
	}

	file.Modified = &models.FileVersion{Content: modified, Name: path.Base(filePath)}
	file.Status = models.FileModified

	if e.services.Facts != nil {
		mod := &models.FileModification{
			RunID:      state.RunID,
			Path:       filePath,
			BeforeHash: loopdetect.ChecksumText(file.Original.Content),
			AfterHash:  loopdetect.ChecksumText(modified),
		}
		if err := e.services.Facts.InsertFileModification(ctx, mod); err != nil {
			logger.Warn("FileModification write absorbed", "path", filePath, "error", err)
		}
	}

	state.AppendHistory(models.NodeExecution, "edit", filePath)
}

// applyAndLint writes the fix into the sandbox and syntax-checks it. Lint
// failures become feedback; verification will catch what lint misses.
func (e *Engine) applyAndLint(ctx context.Context, state *models.GraphState, filePath, content string, logger *slog.Logger) {
	if e.services.Sandbox == nil {
		return
	}
	if err := e.services.Sandbox.WriteFile(ctx, filePath, []byte(content)); err != nil {
		state.Feedback = append(state.Feedback,
			fmt.Sprintf("Applying fix to %s failed: %v", filePath, err))
		return
	}

	checker, ok := lintCommands[path.Ext(filePath)]
	if !ok {
		return
	}
	argv := append(append([]string(nil), checker...), filePath)
	res, err := e.services.Sandbox.RunArgv(ctx, argv,
		sandbox.ExecOptions{Timeout: e.lintTimeout})
	switch {
	case err != nil:
		logger.Warn("Lint check errored, skipping", "path", filePath, "error", err)
	case res.CommandNotFound():
		// Checker unavailable in this image.
	case res.ExitCode != 0:
		state.Feedback = append(state.Feedback,
			fmt.Sprintf("Lint failed for %s: %s", filePath, logExcerpt(res.Stderr)))
	}
}

func logExcerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		s = s[:500] + "…"
	}
	return s
}
