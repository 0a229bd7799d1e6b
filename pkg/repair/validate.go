package repair

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/anchapin/cifixd/pkg/sandbox"
)

// syntaxCheckers maps file extensions to a syntax-only check command. The
// command receives the target path; a missing checker in the sandbox skips
// the check rather than failing the candidate.
var syntaxCheckers = map[string]string{
	".py":   "python -m py_compile %s",
	".js":   "node --check %s",
	".mjs":  "node --check %s",
	".sh":   "sh -n %s",
	".json": "python -m json.tool %s",
}

// ValidatePatches validates candidates sequentially: apply the patch, check
// syntax, run the reproduction command. Returns one result per candidate ID.
// The original file content is restored between candidates.
func (a *Agent) ValidatePatches(ctx context.Context, candidates []PatchCandidate, sb sandbox.Sandbox, targetFile, testCmd string) map[string]*ValidationResult {
	results := make(map[string]*ValidationResult, len(candidates))
	if sb == nil {
		return results
	}

	original, readErr := sb.ReadFile(ctx, targetFile)
	for _, candidate := range candidates {
		results[candidate.ID] = a.validateOne(ctx, candidate, sb, targetFile, testCmd)
		if readErr == nil {
			if err := sb.WriteFile(ctx, targetFile, original); err != nil {
				a.logger.Warn("Failed to restore original content between candidates",
					"file", targetFile, "error", err)
			}
		}
	}
	return results
}

func (a *Agent) validateOne(ctx context.Context, candidate PatchCandidate, sb sandbox.Sandbox, targetFile, testCmd string) *ValidationResult {
	start := time.Now()
	result := &ValidationResult{SyntaxValid: true, StaticAnalysisPassed: true}

	if err := sb.WriteFile(ctx, targetFile, []byte(candidate.Code)); err != nil {
		result.ErrorMessage = fmt.Sprintf("applying patch: %v", err)
		result.ExecutionTime = time.Since(start)
		return result
	}

	if checker, ok := syntaxCheckers[path.Ext(targetFile)]; ok {
		res, err := sb.RunCommand(ctx, fmt.Sprintf(checker, targetFile), sandbox.ExecOptions{Timeout: 30 * time.Second})
		switch {
		case err != nil:
			a.logger.Warn("Syntax check errored, skipping", "file", targetFile, "error", err)
		case res.CommandNotFound():
			// Checker unavailable in this image; not the patch's fault.
		case res.ExitCode != 0:
			result.SyntaxValid = false
			result.Details.LintErrors = 1
			result.ErrorMessage = excerpt(res.Stderr)
			result.ExecutionTime = time.Since(start)
			return result
		}
	}

	if testCmd != "" {
		res, err := sb.RunCommand(ctx, testCmd, sandbox.ExecOptions{})
		result.Details.TestsRun = 1
		switch {
		case err != nil:
			result.ErrorMessage = fmt.Sprintf("running tests: %v", err)
		case res.ExitCode == 0:
			result.TestsPassed = true
		default:
			result.Details.TestsFailed = 1
			result.ErrorMessage = excerpt(res.Stderr + res.Stdout)
		}
	}

	result.Passed = result.SyntaxValid && result.StaticAnalysisPassed && (testCmd == "" || result.TestsPassed)
	result.ExecutionTime = time.Since(start)
	return result
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		s = s[:500] + "…"
	}
	return s
}
