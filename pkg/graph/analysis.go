package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/anchapin/cifixd/pkg/diagnose"
	"github.com/anchapin/cifixd/pkg/loopdetect"
	"github.com/anchapin/cifixd/pkg/models"
)

// moduleMissingRe matches the log patterns that warrant a dependency scan.
var moduleMissingRe = regexp.MustCompile(`ModuleNotFoundError|No module named|Cannot find module`)

// dependencyManifests are the files the iteration-0 dependency scan collects.
var dependencyManifests = []string{
	"package.json", "requirements.txt", "pyproject.toml", "go.mod", "Cargo.toml", "Gemfile",
}

const repoContextFileCap = 100

// logStrategyFor maps the iteration to the host's log selection strategy.
// The false return means the ladder is exhausted.
func logStrategyFor(iteration int) (string, bool) {
	switch iteration {
	case 0:
		return LogStrategyExtended, true
	case 1:
		return LogStrategyAnyError, true
	case 2:
		return LogStrategyForceLatest, true
	default:
		return "", false
	}
}

func (e *Engine) runAnalysis(ctx context.Context, state *models.GraphState) {
	logger := e.logger.With("run_id", state.RunID, "node", "analysis", "iteration", state.Iteration)

	if state.CurrentLogText == "" {
		strategy, ok := logStrategyFor(state.Iteration)
		if !ok {
			state.Fail("No failed job found")
			return
		}
		logs, err := e.services.Host.FetchFailureLogs(ctx, state.Group, strategy)
		if err != nil {
			state.Fail(fmt.Sprintf("fetching failure logs: %v", err))
			return
		}
		if logs == nil || logs.LogText == "" {
			state.Fail("No failed job found")
			return
		}
		state.CurrentLogText = logs.LogText
		if logs.HeadSHA != "" {
			state.Group.HeadSHA = logs.HeadSHA
		}
		logger.Info("Fetched failure logs", "strategy", strategy, "bytes", len(logs.LogText), "job", logs.JobName)
	}

	if state.Iteration == 0 {
		state.InitialLogText = state.CurrentLogText
		state.InitialRepoContext = e.buildRepoContext(ctx, logger)
	}

	classification, err := e.services.Diagnoser.ClassifyErrorWithHistory(
		ctx, state.CurrentLogText, state.Group.WorkflowPath, state.History)
	if err != nil {
		state.Fail(fmt.Sprintf("classifying error: %v", err))
		return
	}
	state.Classification = classification

	if state.Iteration == 0 && moduleMissingRe.MatchString(state.CurrentLogText) {
		if scan := e.dependencyScan(ctx, logger); scan != "" {
			state.InitialRepoContext = joinContext(state.InitialRepoContext, scan)
		}
	}

	repoContext := state.InitialRepoContext
	if e.services.Runbook != nil {
		fingerprint := loopdetect.ChecksumText(state.CurrentLogText)
		if res := e.services.Runbook.Lookup(classification.Category, state.CurrentLogText, fingerprint); res != nil {
			repoContext = joinContext(repoContext, formatRunbookGuidance(res.Pattern.Title, res.Pattern.Guidance, res.Pattern.SuggestedCommands))
		}
	}

	diagnosis, err := e.services.Diagnoser.DiagnoseError(
		ctx, state.CurrentLogText, repoContext, classification, state.Feedback)
	if err != nil {
		state.Fail(fmt.Sprintf("diagnosing error: %v", err))
		return
	}
	state.Diagnosis = diagnosis

	complexity := diagnose.EstimateComplexity(classification, state.CurrentLogText)
	state.ProblemComplexity = complexity
	state.AppendComplexity(complexity)
	state.IsAtomic = models.IsAtomicTail(state.ComplexityHistory)

	if state.Iteration == 0 && e.services.Facts != nil {
		fact := &models.ErrorFact{
			RunID:     state.RunID,
			Summary:   diagnosis.Summary,
			FilePath:  diagnosis.FilePath,
			FixAction: diagnosis.FixAction,
			Notes: models.ErrorFactNotes{
				Complexity:             complexity,
				IsAtomic:               state.IsAtomic,
				ClassificationCategory: strings.ToLower(string(classification.Category)),
			},
		}
		if err := e.services.Facts.InsertErrorFact(ctx, fact); err != nil {
			logger.Warn("ErrorFact write absorbed", "error", err)
		}
	}

	if len(state.Feedback) > 0 {
		refined, err := e.services.Diagnoser.RefineProblemStatement(
			ctx, diagnosis, state.Feedback, state.RefinedProblemStatement)
		if err != nil {
			logger.Warn("Problem refinement failed", "error", err)
		} else {
			state.RefinedProblemStatement = refined
		}
	}

	if !state.IsAtomic && state.ErrorDAG == nil && e.shouldDecompose(complexity) {
		dag, err := e.services.Diagnoser.DecomposeProblem(ctx, diagnosis, state.CurrentLogText)
		if err != nil {
			logger.Warn("Problem decomposition failed", "error", err)
		} else if dag != nil && len(dag.Nodes) > 0 {
			state.ErrorDAG = dag
			logger.Info("Decomposed composite problem", "sub_problems", len(dag.Nodes))
		}
	}

	state.AppendHistory(models.NodeAnalysis, "diagnose", diagnosis.Summary)
	state.CurrentNode = models.NodePlanning
}

// shouldDecompose gates DAG decomposition on the adaptive complexity
// threshold; without a threshold owner decomposition stays off.
func (e *Engine) shouldDecompose(complexity int) bool {
	if e.services.Thresholds == nil {
		return false
	}
	return float64(complexity) >= e.services.Thresholds.ComplexityThreshold()
}

// buildRepoContext summarizes the repository as a capped, sorted file listing.
func (e *Engine) buildRepoContext(ctx context.Context, logger *slog.Logger) string {
	files, err := e.services.Host.ListFiles(ctx)
	if err != nil {
		logger.Warn("Repo listing failed, continuing without repo context", "error", err)
		return ""
	}
	sort.Strings(files)
	if len(files) > repoContextFileCap {
		files = files[:repoContextFileCap]
	}

	var sb strings.Builder
	sb.WriteString("## Repository Files\n")
	for _, f := range files {
		sb.WriteString("- " + f + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// dependencyScan collects the dependency manifests present at the repo root
// so the diagnosis sees the declared dependency set.
func (e *Engine) dependencyScan(ctx context.Context, logger *slog.Logger) string {
	var sb strings.Builder
	for _, manifest := range dependencyManifests {
		content, err := e.services.Host.GetFileContent(ctx, manifest)
		if err != nil || content == "" {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("## Dependency Manifests\n")
		}
		fmt.Fprintf(&sb, "### %s\n```\n%s\n```\n", manifest, strings.TrimSpace(content))
	}
	if sb.Len() == 0 {
		logger.Warn("Module-missing pattern in log but no dependency manifest found")
		return ""
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatRunbookGuidance(title, guidance string, commands []string) string {
	var sb strings.Builder
	sb.WriteString("## Runbook Guidance\n")
	if title != "" {
		sb.WriteString(title + ": ")
	}
	sb.WriteString(guidance)
	for _, cmd := range commands {
		sb.WriteString("\n- `" + cmd + "`")
	}
	return sb.String()
}

func joinContext(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
