package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// readCommands are the file-reading commands the guard intercepts.
var readCommands = map[string]bool{
	"cat":  true,
	"less": true,
	"more": true,
	"head": true,
	"tail": true,
}

// Detector receives hallucinated paths and decides when the guard should
// steer the next model turn with an advisory.
type Detector interface {
	// RecordHallucination notes a reference to a non-existent path.
	RecordHallucination(path string)

	// ShouldTriggerStrategyShift reports whether the same path has been
	// hallucinated repeatedly and recovery advice should be injected.
	ShouldTriggerStrategyShift(path string) bool

	// TriggerAutomatedRecovery returns the advisory string for the path.
	TriggerAutomatedRecovery(path string) string
}

// Guard wraps a sandbox and intercepts file-reading commands that reference
// paths which do not exist in the known workspace tree. A single fuzzy match
// rewrites the command; multiple matches refuse with the candidate list; no
// match records a hallucination.
type Guard struct {
	Sandbox

	detector Detector

	mu    sync.RWMutex
	files []string
}

// NewGuard wraps inner. detector may be nil, which disables hallucination
// tracking but keeps fuzzy resolution.
func NewGuard(inner Sandbox, detector Detector) *Guard {
	return &Guard{Sandbox: inner, detector: detector}
}

// SetFiles replaces the known workspace file list used for resolution.
// Paths are workspace-relative.
func (g *Guard) SetFiles(files []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.files = append(g.files[:0:0], files...)
}

// RunCommand resolves file-read targets before delegating to the wrapped
// sandbox, then appends any pending recovery advice to the output.
func (g *Guard) RunCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	rewritten, refusal, advice := g.resolve(cmd)
	if refusal != nil {
		return refusal, nil
	}

	res, err := g.Sandbox.RunCommand(ctx, rewritten, opts)
	if err != nil {
		return nil, err
	}
	if advice != "" {
		res.Stdout += "\n\n" + advice
	}
	return res, nil
}

// resolve returns the possibly rewritten command line, a refusal result when
// a target is ambiguous, and any advisory to append to the output.
func (g *Guard) resolve(cmd string) (string, *ExecResult, string) {
	fields := strings.Fields(cmd)
	if len(fields) < 2 || !readCommands[fields[0]] {
		return cmd, nil, ""
	}

	var advice string
	for i := 1; i < len(fields); i++ {
		arg := fields[i]
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if g.exists(arg) {
			continue
		}

		matches := g.fuzzyMatch(arg)
		switch len(matches) {
		case 1:
			fields[i] = matches[0]
		case 0:
			if g.detector != nil {
				g.detector.RecordHallucination(arg)
				if g.detector.ShouldTriggerStrategyShift(arg) {
					advice = g.detector.TriggerAutomatedRecovery(arg)
				}
			}
		default:
			return cmd, &ExecResult{
				ExitCode: 1,
				Stderr: fmt.Sprintf("path %q is ambiguous; candidates:\n  %s",
					arg, strings.Join(matches, "\n  ")),
			}, ""
		}
	}
	return strings.Join(fields, " "), nil, advice
}

func (g *Guard) exists(path string) bool {
	clean := strings.TrimPrefix(filepath.Clean(path), "./")
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, f := range g.files {
		if f == clean {
			return true
		}
	}
	return false
}

// fuzzyMatch finds known files whose base name matches the referenced path's
// base name anywhere in the tree.
func (g *Guard) fuzzyMatch(path string) []string {
	pattern := "**/" + filepath.Base(path)
	g.mu.RLock()
	defer g.mu.RUnlock()

	var matches []string
	for _, f := range g.files {
		ok, err := doublestar.Match(pattern, f)
		if err == nil && ok {
			matches = append(matches, f)
		}
	}
	sort.Strings(matches)
	return matches
}
