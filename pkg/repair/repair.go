// Package repair is the multi-candidate pipeline used for high-complexity
// failures: localize the fault, generate competing patch candidates in
// parallel, validate each in the sandbox, rank, and refine the best one.
package repair

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/anchapin/cifixd/pkg/llm"
	"github.com/anchapin/cifixd/pkg/sandbox"
)

// PatchStrategy names one candidate-generation approach.
type PatchStrategy string

// Strategies, in rank order for tie-breaks.
const (
	StrategyDirect       PatchStrategy = "direct"
	StrategyConservative PatchStrategy = "conservative"
	StrategyAlternative  PatchStrategy = "alternative"
)

var strategyScore = map[PatchStrategy]int{
	StrategyDirect:       3,
	StrategyConservative: 2,
	StrategyAlternative:  1,
}

// Generation temperature per strategy.
var strategyTemperature = map[PatchStrategy]float64{
	StrategyDirect:       0.1,
	StrategyConservative: 0.2,
	StrategyAlternative:  0.3,
}

// PatchCandidate is one generated fix.
type PatchCandidate struct {
	ID          string        `json:"id"`
	Code        string        `json:"code"`
	Description string        `json:"description"`
	Confidence  float64       `json:"confidence"`
	Strategy    PatchStrategy `json:"strategy"`
	Reasoning   string        `json:"reasoning"`
}

// ValidationDetails breaks a validation run down by check.
type ValidationDetails struct {
	TestsRun    int `json:"tests_run"`
	TestsFailed int `json:"tests_failed"`
	LintErrors  int `json:"lint_errors"`
	TypeErrors  int `json:"type_errors"`
}

// ValidationResult is the outcome of validating one candidate.
type ValidationResult struct {
	Passed               bool              `json:"passed"`
	TestsPassed          bool              `json:"tests_passed"`
	SyntaxValid          bool              `json:"syntax_valid"`
	StaticAnalysisPassed bool              `json:"static_analysis_passed"`
	Details              ValidationDetails `json:"details"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	ExecutionTime        time.Duration     `json:"execution_time"`
}

// RankedPatch pairs a candidate with its validation outcome.
type RankedPatch struct {
	Candidate  PatchCandidate
	Validation *ValidationResult
}

const defaultMaxRefinements = 3

// Agent runs the pipeline.
type Agent struct {
	llm            *llm.Client
	logger         *slog.Logger
	maxRefinements int
}

// NewAgent builds the pipeline agent. maxRefinements of 0 uses the default.
func NewAgent(client *llm.Client, maxRefinements int, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRefinements <= 0 {
		maxRefinements = defaultMaxRefinements
	}
	return &Agent{llm: client, logger: logger, maxRefinements: maxRefinements}
}

// Outcome is the final result of one pipeline run.
type Outcome struct {
	Patch      *PatchCandidate
	Validation *ValidationResult
	// Refinements counts refinement rounds consumed (0 = first pass won).
	Refinements int
}

// Run executes the full pipeline against the failure in logText. The target
// file is taken from fault localization; testCmd re-runs the reproduction.
func (a *Agent) Run(ctx context.Context, logText, fileContent string, sb sandbox.Sandbox, testCmd string) (*Outcome, error) {
	frames := ParseStackTrace(logText)

	fault, err := a.LocalizeFault(ctx, logText, frames, fileContent)
	if err != nil {
		return nil, err
	}

	candidates, err := a.GeneratePatchCandidates(ctx, logText, fault, fileContent)
	if err != nil {
		return nil, err
	}

	results := a.ValidatePatches(ctx, candidates, sb, fault.Primary.File, testCmd)
	ranked := RankPatches(candidates, results)
	if len(ranked) == 0 {
		return nil, nil
	}

	best := ranked[0]
	if best.Validation != nil && best.Validation.Passed {
		a.logger.Info("Best patch passed on first validation",
			"patch_id", best.Candidate.ID, "strategy", best.Candidate.Strategy)
		return &Outcome{Patch: &best.Candidate, Validation: best.Validation}, nil
	}

	return a.iterativeRefinement(ctx, best, logText, fault, sb, testCmd)
}

// RankPatches orders candidates by confidence in bands of 0.1, breaking ties
// with the strategy score (direct beats conservative beats alternative).
// Candidates that passed validation always outrank those that failed.
func RankPatches(candidates []PatchCandidate, results map[string]*ValidationResult) []RankedPatch {
	ranked := make([]RankedPatch, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, RankedPatch{Candidate: c, Validation: results[c.ID]})
	}

	passed := func(p RankedPatch) bool {
		return p.Validation != nil && p.Validation.Passed
	}
	band := func(confidence float64) int {
		return int(confidence * 10)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if passed(a) != passed(b) {
			return passed(a)
		}
		if band(a.Candidate.Confidence) != band(b.Candidate.Confidence) {
			return band(a.Candidate.Confidence) > band(b.Candidate.Confidence)
		}
		return strategyScore[a.Candidate.Strategy] > strategyScore[b.Candidate.Strategy]
	})
	return ranked
}
