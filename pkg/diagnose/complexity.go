package diagnose

import (
	"strings"

	"github.com/anchapin/cifixd/pkg/models"
)

// Base complexity per error category, on the 1..10 scale.
var categoryComplexity = map[models.ErrorCategory]int{
	models.CategorySyntax:        2,
	models.CategoryDependency:    3,
	models.CategoryConfiguration: 3,
	models.CategoryTestFailure:   5,
	models.CategoryBuild:         5,
	models.CategoryTimeout:       6,
	models.CategoryRuntime:       6,
	models.CategoryUnknown:       7,
}

// Markers of cascading failures: one root cause producing a wall of
// downstream errors raises the estimate.
var cascadeMarkers = []string{
	"caused by",
	"during handling of the above exception",
	"the following errors occurred",
}

// EstimateComplexity computes the problem complexity for one iteration from
// the classification and the log shape. Deterministic; the LLM never sets it.
func EstimateComplexity(classification *models.Classification, logText string) int {
	complexity := categoryComplexity[models.CategoryUnknown]
	if classification != nil {
		if base, ok := categoryComplexity[classification.Category]; ok {
			complexity = base
		}
		if len(classification.AffectedFiles) > 3 {
			complexity += 2
		} else if len(classification.AffectedFiles) > 1 {
			complexity++
		}
	}

	lowered := strings.ToLower(logText)
	for _, marker := range cascadeMarkers {
		if strings.Contains(lowered, marker) {
			complexity += 2
			break
		}
	}
	if strings.Count(lowered, "error") > 20 {
		complexity++
	}

	if complexity > 10 {
		complexity = 10
	}
	if complexity < 1 {
		complexity = 1
	}
	return complexity
}
