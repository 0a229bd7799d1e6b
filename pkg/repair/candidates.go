package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/anchapin/cifixd/pkg/llm"
)

var candidateSchema = llm.MustCompileSchema("candidate.json", `{
  "type": "object",
  "required": ["code"],
  "properties": {
    "code": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"}
  }
}`)

var strategyInstruction = map[PatchStrategy]string{
	StrategyDirect:       "Make the minimal change that fixes the failure. Touch as few lines as possible.",
	StrategyConservative: "Fix the failure defensively: add guards, null checks, and input validation around the fault site.",
	StrategyAlternative:  "Fix the failure by restructuring the faulty code path. A small refactor is acceptable if it removes the root cause.",
}

// GeneratePatchCandidates runs the three strategies in parallel. A failed
// strategy drops its candidate rather than failing the set; generation fails
// only when every strategy errors.
func (a *Agent) GeneratePatchCandidates(ctx context.Context, logText string, fault *FaultLocalization, fileContent string) ([]PatchCandidate, error) {
	strategies := []PatchStrategy{StrategyDirect, StrategyConservative, StrategyAlternative}
	slots := make([]*PatchCandidate, len(strategies))

	g, gctx := errgroup.WithContext(ctx)
	for i, strategy := range strategies {
		g.Go(func() error {
			candidate, err := a.generateOne(gctx, strategy, logText, fault, fileContent)
			if err != nil {
				a.logger.Warn("Patch strategy failed", "strategy", strategy, "error", err)
				return nil
			}
			slots[i] = candidate
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var candidates []PatchCandidate
	for _, c := range slots {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("all patch strategies failed")
	}
	return candidates, nil
}

func (a *Agent) generateOne(ctx context.Context, strategy PatchStrategy, logText string, fault *FaultLocalization, fileContent string) (*PatchCandidate, error) {
	var sb strings.Builder
	sb.WriteString(strategyInstruction[strategy])
	sb.WriteString("\n\n## Fault\n")
	fmt.Fprintf(&sb, "%s:%d", fault.Primary.File, fault.Primary.Line)
	if fault.Primary.Reasoning != "" {
		fmt.Fprintf(&sb, " (%s)", fault.Primary.Reasoning)
	}
	sb.WriteString("\n\n## Failure Log\n```\n")
	sb.WriteString(tail(logText, 6000))
	sb.WriteString("\n```\n")
	if fileContent != "" {
		sb.WriteString("\n## Current File Content\n```\n")
		sb.WriteString(fileContent)
		sb.WriteString("\n```\n")
	}
	sb.WriteString(`
Respond with a JSON object containing the COMPLETE new file content:
{"code": "...", "description": "...", "confidence": 0.0-1.0, "reasoning": "..."}`)

	temp := strategyTemperature[strategy]
	resp, err := a.llm.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		ResponseFormat: llm.FormatJSON,
		Schema:         candidateSchema,
		Temperature:    &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("generate %s candidate: %w", strategy, err)
	}

	var out struct {
		Code        string  `json:"code"`
		Description string  `json:"description"`
		Confidence  float64 `json:"confidence"`
		Reasoning   string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decoding %s candidate: %w", strategy, err)
	}

	return &PatchCandidate{
		ID:          fmt.Sprintf("patch-%s", strategy),
		Code:        PostProcessPatch(out.Code, fault.Primary.File),
		Description: out.Description,
		Confidence:  out.Confidence,
		Strategy:    strategy,
		Reasoning:   out.Reasoning,
	}, nil
}

// Unicode dashes models sometimes substitute for ASCII flag dashes.
var unicodeDashRe = regexp.MustCompile(`\s[\x{2013}\x{2014}]{1,2}(\w)`)

// PostProcessPatch fixes mechanical defects generated code is prone to:
// unicode dashes in shell flags, and inline comments inside continued
// Dockerfile RUN lines, which break the line continuation.
func PostProcessPatch(code, targetFile string) string {
	code = unicodeDashRe.ReplaceAllString(code, " --$1")

	if strings.Contains(strings.ToLower(targetFile), "dockerfile") {
		code = stripRunContinuationComments(code)
	}
	return code
}

// stripRunContinuationComments removes inline "# ..." comments that follow
// the continuation backslash inside a RUN instruction. The comment makes the
// backslash escape a space instead of the newline, breaking the instruction.
func stripRunContinuationComments(code string) string {
	lines := strings.Split(code, "\n")
	inRun := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		isRun := strings.HasPrefix(strings.ToUpper(trimmed), "RUN ")
		if !inRun && !isRun {
			continue
		}
		if idx := strings.Index(line, "\\ #"); idx >= 0 {
			line = strings.TrimRight(line[:idx], " ") + " \\"
			lines[i] = line
			trimmed = strings.TrimSpace(line)
		}
		inRun = strings.HasSuffix(trimmed, "\\")
	}
	return strings.Join(lines, "\n")
}
