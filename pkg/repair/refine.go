package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anchapin/cifixd/pkg/llm"
	"github.com/anchapin/cifixd/pkg/sandbox"
)

// iterativeRefinement feeds the validation failure back to the model, up to
// maxRefinements rounds, carrying the full feedback history forward.
func (a *Agent) iterativeRefinement(ctx context.Context, best RankedPatch, logText string, fault *FaultLocalization, sb sandbox.Sandbox, testCmd string) (*Outcome, error) {
	current := best.Candidate
	validation := best.Validation
	var feedbackHistory []string

	for round := 1; round <= a.maxRefinements; round++ {
		if validation != nil && validation.ErrorMessage != "" {
			feedbackHistory = append(feedbackHistory,
				fmt.Sprintf("round %d: %s", round-1, validation.ErrorMessage))
		}

		refined, err := a.refineOnce(ctx, current, fault, feedbackHistory)
		if err != nil {
			return nil, err
		}
		current = *refined

		results := a.ValidatePatches(ctx, []PatchCandidate{current}, sb, fault.Primary.File, testCmd)
		validation = results[current.ID]
		if validation != nil && validation.Passed {
			a.logger.Info("Refined patch passed", "round", round, "patch_id", current.ID)
			return &Outcome{Patch: &current, Validation: validation, Refinements: round}, nil
		}
		a.logger.Info("Refined patch still failing", "round", round, "patch_id", current.ID)
	}

	// Budget exhausted; return the last attempt with its failing validation.
	return &Outcome{Patch: &current, Validation: validation, Refinements: a.maxRefinements}, nil
}

func (a *Agent) refineOnce(ctx context.Context, candidate PatchCandidate, fault *FaultLocalization, feedbackHistory []string) (*PatchCandidate, error) {
	var sb strings.Builder
	sb.WriteString("The patch below failed validation. Produce a corrected version.\n\n## Current Patch\n```\n")
	sb.WriteString(candidate.Code)
	sb.WriteString("\n```\n")
	if len(feedbackHistory) > 0 {
		sb.WriteString("\n## Validation Feedback\n")
		for _, f := range feedbackHistory {
			sb.WriteString("- " + f + "\n")
		}
	}
	fmt.Fprintf(&sb, "\n## Fault\n%s:%d\n", fault.Primary.File, fault.Primary.Line)
	sb.WriteString(`
Respond with a JSON object containing the COMPLETE corrected file content:
{"code": "...", "description": "...", "confidence": 0.0-1.0, "reasoning": "..."}`)

	resp, err := a.llm.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		ResponseFormat: llm.FormatJSON,
		Schema:         candidateSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("refine patch: %w", err)
	}

	var out struct {
		Code        string  `json:"code"`
		Description string  `json:"description"`
		Confidence  float64 `json:"confidence"`
		Reasoning   string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decoding refined patch: %w", err)
	}

	refined := candidate
	refined.Code = PostProcessPatch(out.Code, fault.Primary.File)
	refined.Description = out.Description
	refined.Confidence = out.Confidence
	refined.Reasoning = out.Reasoning
	return &refined, nil
}
