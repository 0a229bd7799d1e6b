// Package runbook maps diagnosed error categories and fingerprints to
// curated repair guidance. Patterns are static; resolution results are
// cached per fingerprint so repeated iterations of one session do not
// re-rank the table.
package runbook

import (
	"sort"
	"strings"

	"github.com/anchapin/cifixd/pkg/models"
)

// Pattern is one curated repair template.
type Pattern struct {
	ID       string
	Category models.ErrorCategory

	// Tags match against lowercased log text; more tag hits rank higher.
	Tags []string

	Title    string
	Guidance string

	// SuggestedCommands are shell commands worth trying before editing code.
	SuggestedCommands []string
}

// builtins is the static pattern table, ordered roughly by specificity.
var builtins = []Pattern{
	{
		ID:       "module-not-found",
		Category: models.CategoryDependency,
		Tags:     []string{"modulenotfounderror", "cannot find module", "no module named", "import error"},
		Title:    "Missing module or package",
		Guidance: "The failing import names a package that is not installed in the CI environment. " +
			"Check the dependency manifest first; add or pin the package there rather than editing source imports.",
		SuggestedCommands: []string{"pip install -r requirements.txt", "npm ci"},
	},
	{
		ID:       "lockfile-drift",
		Category: models.CategoryDependency,
		Tags:     []string{"lockfile", "package-lock", "npm ci can only install", "poetry.lock", "cargo.lock"},
		Title:    "Lockfile out of sync with manifest",
		Guidance: "The lockfile no longer matches the manifest. Regenerate the lockfile instead of " +
			"hand-editing version pins.",
		SuggestedCommands: []string{"npm install --package-lock-only", "poetry lock --no-update"},
	},
	{
		ID:       "syntax-error",
		Category: models.CategorySyntax,
		Tags:     []string{"syntaxerror", "unexpected token", "parse error", "invalid syntax"},
		Title:    "Syntax error",
		Guidance: "The interpreter or compiler points at an exact file and line. Fix only that location; " +
			"a syntax error earlier in a file can surface at a later line, so read a few lines above the report.",
	},
	{
		ID:       "build-type-error",
		Category: models.CategoryBuild,
		Tags:     []string{"typeerror", "type error", "mismatched types", "incompatible types", "cannot use"},
		Title:    "Type mismatch",
		Guidance: "Follow the reported type pair to the call site. Prefer adjusting the caller over " +
			"widening the callee's signature.",
	},
	{
		ID:       "assertion-failure",
		Category: models.CategoryTestFailure,
		Tags:     []string{"assertionerror", "assert_eq", "expected", "received", "to equal"},
		Title:    "Test assertion failure",
		Guidance: "Decide whether the code or the expectation regressed before editing either. The diff " +
			"between expected and received values usually names the responsible field.",
	},
	{
		ID:       "config-invalid",
		Category: models.CategoryConfiguration,
		Tags:     []string{"missing required", "unknown option", "invalid configuration", "env var", "environment variable"},
		Title:    "Invalid or missing configuration",
		Guidance: "Compare the referenced key against the checked-in configuration examples. CI often " +
			"lacks environment variables that exist locally.",
	},
	{
		ID:       "network-flake",
		Category: models.CategoryTimeout,
		Tags:     []string{"connection refused", "connection reset", "timed out", "econnrefused", "dns"},
		Title:    "Network failure during build or test",
		Guidance: "If the failing operation reaches an external service, the failure may be transient. " +
			"Re-run once before changing code; if it persists, pin or mock the dependency.",
	},
	{
		ID:       "permission-denied",
		Category: models.CategoryRuntime,
		Tags:     []string{"permission denied", "eacces", "operation not permitted"},
		Title:    "Permission denied",
		Guidance: "Check file modes created by earlier steps and whether the step needs a writable " +
			"directory. Avoid blanket chmod fixes; scope the change to the failing path.",
		SuggestedCommands: []string{"ls -la"},
	},
}

// Resolution is a matched pattern for one diagnosed error.
type Resolution struct {
	Pattern Pattern
	// Score counts matched tags; a category-only match scores zero.
	Score int
}

// Matcher resolves diagnosed errors against the pattern table.
type Matcher struct {
	patterns []Pattern
	cache    *Cache
}

// NewMatcher builds a matcher over the built-in table.
func NewMatcher() *Matcher {
	return &Matcher{patterns: builtins, cache: NewCache(cacheTTL)}
}

// Lookup returns the best pattern for the category and log text, or nil when
// nothing applies. Tag hits dominate; within equal hits the table order
// (specific before generic) wins.
func (m *Matcher) Lookup(category models.ErrorCategory, logText, errorFingerprint string) *Resolution {
	if errorFingerprint != "" {
		if cached, ok := m.cache.Get(errorFingerprint); ok {
			return cached
		}
	}

	lowered := strings.ToLower(logText)
	type scored struct {
		index int
		score int
	}
	var candidates []scored
	for i, p := range m.patterns {
		score := 0
		for _, tag := range p.Tags {
			if strings.Contains(lowered, tag) {
				score++
			}
		}
		if score > 0 || p.Category == category {
			candidates = append(candidates, scored{index: i, score: score})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].score > candidates[b].score
	})
	resolution := &Resolution{
		Pattern: m.patterns[candidates[0].index],
		Score:   candidates[0].score,
	}
	if errorFingerprint != "" {
		m.cache.Set(errorFingerprint, resolution)
	}
	return resolution
}

// Patterns returns the full table, for the API listing endpoint.
func (m *Matcher) Patterns() []Pattern {
	return m.patterns
}
