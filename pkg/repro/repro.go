// Package repro infers the shell command that reproduces a CI failure when
// the session has no explicit test command. Strategies are tried from most
// to least specific and each candidate is dry-run validated in the sandbox
// when one is available.
package repro

import (
	"context"
	"log/slog"
	"time"

	"github.com/anchapin/cifixd/pkg/llm"
	"github.com/anchapin/cifixd/pkg/sandbox"
)

// Strategy identifies which inference path produced a result.
type Strategy string

// Inference strategies, in trial order.
const (
	StrategyWorkflowLLM  Strategy = "workflow_llm"
	StrategyWorkflowScan Strategy = "workflow_scan"
	StrategySignature    Strategy = "signature_match"
	StrategyBuildTool    Strategy = "build_tool"
	StrategyLLMGuess     Strategy = "llm_guess"
	StrategySafeScan     Strategy = "safe_scan"
)

// Result is one inferred reproduction command.
type Result struct {
	Command    string   `json:"command"`
	Confidence float64  `json:"confidence"`
	Strategy   Strategy `json:"strategy"`
	Reasoning  string   `json:"reasoning"`
}

// FailureContext carries the optional workflow evidence for a failed run.
type FailureContext struct {
	// WorkflowPath is the repo-relative path of the failed workflow file.
	WorkflowPath string
	// WorkflowYAML is the file content, when already fetched.
	WorkflowYAML string
	// LogText is the failure log excerpt.
	LogText string
}

// Tree is read access to the repository under repair.
type Tree interface {
	// List returns all repo-relative file paths.
	List(ctx context.Context) ([]string, error)
	// Read returns the content of one file.
	Read(ctx context.Context, path string) ([]byte, error)
}

// Inferrer runs the strategy chain.
type Inferrer struct {
	llmClient  *llm.Client
	dryRunTime time.Duration
	logger     *slog.Logger
}

// NewInferrer builds an inferrer. llmClient may be nil, which skips the two
// LLM-backed strategies. dryRunTimeout bounds each validation run.
func NewInferrer(llmClient *llm.Client, dryRunTimeout time.Duration, logger *slog.Logger) *Inferrer {
	if logger == nil {
		logger = slog.Default()
	}
	if dryRunTimeout <= 0 {
		dryRunTimeout = 120 * time.Second
	}
	return &Inferrer{llmClient: llmClient, dryRunTime: dryRunTimeout, logger: logger}
}

type strategyFunc func(ctx context.Context, tree Tree, fc *FailureContext) (*Result, error)

// Infer tries each strategy in order and returns the first candidate that
// survives dry-run validation, or nil when none applies. sb may be nil to
// skip validation.
func (inf *Inferrer) Infer(ctx context.Context, tree Tree, fc *FailureContext, sb sandbox.Sandbox) (*Result, error) {
	if fc == nil {
		fc = &FailureContext{}
	}

	strategies := []strategyFunc{
		inf.workflowLLM,
		inf.workflowScan,
		inf.signatureMatch,
		inf.buildTool,
		inf.llmGuess,
		inf.safeScan,
	}

	for _, strategy := range strategies {
		result, err := strategy(ctx, tree, fc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// A failed strategy falls through to the next one.
			inf.logger.Warn("Reproduction strategy failed", "error", err)
			continue
		}
		if result == nil {
			continue
		}
		if !inf.validate(ctx, sb, result) {
			inf.logger.Info("Reproduction candidate rejected by dry run",
				"strategy", result.Strategy, "command", result.Command)
			continue
		}
		inf.logger.Info("Reproduction command inferred",
			"strategy", result.Strategy, "command", result.Command, "confidence", result.Confidence)
		return result, nil
	}
	return nil, nil
}

// validate dry-runs the candidate. A missing command disqualifies it; any
// other failure is accepted since the reproduction is expected to fail.
func (inf *Inferrer) validate(ctx context.Context, sb sandbox.Sandbox, result *Result) bool {
	if sb == nil {
		return true
	}
	res, err := sb.RunCommand(ctx, result.Command, sandbox.ExecOptions{Timeout: inf.dryRunTime})
	if err != nil {
		// Transport or timeout during validation does not prove the command
		// wrong; accept and let verification sort it out.
		inf.logger.Warn("Dry run errored, accepting candidate", "command", result.Command, "error", err)
		return true
	}
	return !res.CommandNotFound()
}
