// Package diagnose holds the LLM-backed analysis operations of the repair
// engine: error classification, diagnosis, plan generation, fix synthesis,
// the fix judge gate, and problem refinement and decomposition.
package diagnose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anchapin/cifixd/pkg/llm"
	"github.com/anchapin/cifixd/pkg/models"
)

const logExcerptLen = 12000

// Service performs the LLM-backed analysis operations.
type Service struct {
	llm    *llm.Client
	logger *slog.Logger
}

// NewService builds the service.
func NewService(client *llm.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{llm: client, logger: logger}
}

// ClassifyErrorWithHistory categorizes the failure, taking prior node actions
// into account so repeated failures are not re-classified from scratch.
func (s *Service) ClassifyErrorWithHistory(ctx context.Context, logText, mainPath string, history []models.HistoryEntry) (*models.Classification, error) {
	prompt := joinSections(
		"Classify this CI failure into exactly one category.",
		formatLogSection(logText, logExcerptLen),
		formatHistorySection(history),
		workflowPathSection(mainPath),
		`Respond with a JSON object:
{"category": "SYNTAX|DEPENDENCY|RUNTIME|BUILD|TEST_FAILURE|TIMEOUT|CONFIGURATION|UNKNOWN", "affected_files": [...], "confidence": 0.0-1.0, "suggested_action": "..."}`)

	resp, err := s.llm.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ResponseFormat: llm.FormatJSON,
		Schema:         classificationSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("classify error: %w", err)
	}

	var out models.Classification
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decoding classification: %w", err)
	}
	s.logger.Info("Error classified", "category", out.Category, "confidence", out.Confidence)
	return &out, nil
}

// DiagnoseError produces the root-cause diagnosis that drives planning and
// execution. feedback carries rejection reasons from earlier iterations.
func (s *Service) DiagnoseError(ctx context.Context, logText, repoContext string, classification *models.Classification, feedback []string) (*models.Diagnosis, error) {
	prompt := joinSections(
		`Diagnose the root cause of this CI failure and decide how to fix it.
Choose fix_action "command" only when a shell command alone repairs the failure (e.g. regenerating a lockfile); otherwise choose "edit" and name the file to change.`,
		formatLogSection(logText, logExcerptLen),
		formatRepoContextSection(repoContext),
		formatClassificationSection(classification),
		formatFeedbackSection(feedback),
		`Respond with a JSON object:
{"summary": "...", "fix_action": "edit|command", "file_path": "...", "suggested_command": "...", "reproduction_command": "...", "confidence": 0.0-1.0}`)

	resp, err := s.llm.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ResponseFormat: llm.FormatJSON,
		Schema:         diagnosisSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("diagnose error: %w", err)
	}

	var out models.Diagnosis
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decoding diagnosis: %w", err)
	}
	if out.FixAction == models.FixActionCommand && out.SuggestedCommand == "" {
		return nil, fmt.Errorf("diagnosis proposed a command fix without a command")
	}
	s.logger.Info("Failure diagnosed",
		"fix_action", out.FixAction, "file", out.FilePath, "confidence", out.Confidence)
	return &out, nil
}

// GenerateDetailedPlan turns a diagnosis into an ordered task list.
func (s *Service) GenerateDetailedPlan(ctx context.Context, diagnosis *models.Diagnosis, state *models.GraphState) (*models.Plan, error) {
	prompt := joinSections(
		"Produce a minimal ordered repair plan for this diagnosis. Each task should change at most one file.",
		formatDiagnosisSection(diagnosis),
		formatFeedbackSection(state.Feedback),
		`Respond with a JSON object:
{"goal": "...", "tasks": [{"id": "t1", "description": "...", "target_file": "...", "dependencies": []}], "approved": true}`)

	resp, err := s.llm.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ResponseFormat: llm.FormatJSON,
		Schema:         planSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}

	var out models.Plan
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	for i := range out.Tasks {
		if out.Tasks[i].Status == "" {
			out.Tasks[i].Status = models.TaskPending
		}
	}
	return &out, nil
}

// GenerateFix produces the complete new content for one file. webSearchCtx is
// optional supplementary context gathered on later iterations.
func (s *Service) GenerateFix(ctx context.Context, file *models.FileState, diagnosis *models.Diagnosis, feedback []string, webSearchCtx string) (string, error) {
	sections := []string{
		`Rewrite the file below to fix the diagnosed failure.
Output ONLY the complete new file content. No explanation, no markdown fences.`,
		formatDiagnosisSection(diagnosis),
		formatFileSection("Current Content", file.Path, file.Original.Content),
		formatFeedbackSection(feedback),
	}
	if webSearchCtx != "" {
		sections = append(sections, "## Additional Context\n"+webSearchCtx)
	}

	resp, err := s.llm.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: joinSections(sections...)}},
		ResponseFormat: llm.FormatText,
	})
	if err != nil {
		return "", fmt.Errorf("generate fix for %s: %w", file.Path, err)
	}
	return stripFences(resp.Text), nil
}

// JudgeFix is a soft LLM gate over a proposed modification. A rejection is
// advisory; execution records it as feedback rather than retrying.
func (s *Service) JudgeFix(ctx context.Context, path, original, modified string, diagnosis *models.Diagnosis) (bool, string, error) {
	prompt := joinSections(
		"Review this proposed fix. Approve only if it plausibly addresses the diagnosis without unrelated changes.",
		formatDiagnosisSection(diagnosis),
		formatFileSection("Original", path, original),
		formatFileSection("Proposed", path, modified),
		`Respond with a JSON object: {"approved": true|false, "reasoning": "..."}`)

	resp, err := s.llm.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ResponseFormat: llm.FormatJSON,
		Schema:         judgeSchema,
	})
	if err != nil {
		return false, "", fmt.Errorf("judge fix for %s: %w", path, err)
	}

	var out struct {
		Approved  bool   `json:"approved"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return false, "", fmt.Errorf("decoding judge verdict: %w", err)
	}
	return out.Approved, out.Reasoning, nil
}

// RefineProblemStatement sharpens the working problem statement using the
// accumulated feedback. previous carries the last refinement, if any.
func (s *Service) RefineProblemStatement(ctx context.Context, diagnosis *models.Diagnosis, feedback []string, previous string) (string, error) {
	sections := []string{
		"Restate the problem below in one or two sentences, incorporating what the failed attempts revealed.",
		formatDiagnosisSection(diagnosis),
		formatFeedbackSection(feedback),
	}
	if previous != "" {
		sections = append(sections, "## Previous Statement\n"+previous)
	}
	sections = append(sections, `Respond with a JSON object: {"refined_problem": "..."}`)

	resp, err := s.llm.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: joinSections(sections...)}},
		ResponseFormat: llm.FormatJSON,
		Schema:         refineSchema,
	})
	if err != nil {
		return "", fmt.Errorf("refine problem statement: %w", err)
	}

	var out struct {
		RefinedProblem string `json:"refined_problem"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return "", fmt.Errorf("decoding refinement: %w", err)
	}
	return out.RefinedProblem, nil
}

// DecomposeProblem splits a composite failure into a dependency-ordered DAG
// of sub-problems. Used when the diagnosis implies multiple independent
// causes.
func (s *Service) DecomposeProblem(ctx context.Context, diagnosis *models.Diagnosis, logText string) (*models.ErrorDAG, error) {
	prompt := joinSections(
		`Decompose this composite failure into independent sub-problems.
Each node gets an id, a one-sentence problem, a priority (higher first), a complexity (1-10), and the ids it depends on.`,
		formatDiagnosisSection(diagnosis),
		formatLogSection(logText, logExcerptLen),
		`Respond with a JSON object:
{"root_problem": "...", "nodes": [{"id": "n1", "problem": "...", "priority": 1, "complexity": 3, "dependencies": []}]}`)

	resp, err := s.llm.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ResponseFormat: llm.FormatJSON,
		Schema:         dagSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("decompose problem: %w", err)
	}

	var out models.ErrorDAG
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decoding error DAG: %w", err)
	}
	return &out, nil
}

func workflowPathSection(mainPath string) string {
	if mainPath == "" {
		return ""
	}
	return "## Workflow\nFailed workflow file: " + mainPath
}

// stripFences removes a markdown code fence a model may wrap file content in
// despite instructions.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return text
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
