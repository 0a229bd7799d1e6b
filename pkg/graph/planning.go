package graph

import (
	"context"
	"fmt"

	"github.com/anchapin/cifixd/pkg/models"
)

func (e *Engine) runPlanning(ctx context.Context, state *models.GraphState) {
	logger := e.logger.With("run_id", state.RunID, "node", "planning", "iteration", state.Iteration)

	if state.Diagnosis == nil {
		state.Fail("No diagnosis")
		return
	}
	diagnosis := e.workingDiagnosis(state)

	if diagnosis.FixAction == models.FixActionCommand {
		state.FileReservations = nil
		state.AppendHistory(models.NodePlanning, "plan", "command fix, no file reservations")
		state.CurrentNode = models.NodeExecution
		return
	}

	if diagnosis.FilePath != "" {
		resolved, err := e.services.Host.FindClosestFile(ctx, diagnosis.FilePath)
		switch {
		case err != nil:
			logger.Warn("Closest-file lookup failed, keeping diagnosed path",
				"path", diagnosis.FilePath, "error", err)
		case resolved == "":
			logger.Warn("Diagnosed path not found in repository, execution will re-attempt",
				"path", diagnosis.FilePath)
		default:
			diagnosis.FilePath = resolved
		}
	}

	plan, err := e.services.Diagnoser.GenerateDetailedPlan(ctx, diagnosis, state)
	if err != nil {
		state.Fail(fmt.Sprintf("generating plan: %v", err))
		return
	}
	state.Plan = plan

	state.FileReservations = reserveFiles(plan, diagnosis)
	for _, path := range state.FileReservations {
		if _, ok := state.Files[path]; !ok {
			state.Files[path] = &models.FileState{Path: path, Status: models.FileOriginal}
		}
	}

	state.AppendHistory(models.NodePlanning, "plan", plan.Goal)
	state.CurrentNode = models.NodeExecution
}

// workingDiagnosis returns the diagnosis the downstream nodes should act on.
// When a decomposition is active, the next executable sub-problem substitutes
// its problem statement for the summary.
func (e *Engine) workingDiagnosis(state *models.GraphState) *models.Diagnosis {
	node := NextNode(state)
	if node == nil {
		return state.Diagnosis
	}
	sub := *state.Diagnosis
	sub.Summary = node.Problem
	state.Diagnosis = &sub
	return state.Diagnosis
}

// reserveFiles derives the unique file reservations from the plan's target
// files, falling back to the diagnosed path for tasks without one.
func reserveFiles(plan *models.Plan, diagnosis *models.Diagnosis) []string {
	seen := make(map[string]bool)
	var reservations []string
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		reservations = append(reservations, path)
	}

	for _, task := range plan.Tasks {
		if task.TargetFile != "" {
			add(task.TargetFile)
		} else {
			add(diagnosis.FilePath)
		}
	}
	if len(reservations) == 0 {
		add(diagnosis.FilePath)
	}
	return reservations
}
