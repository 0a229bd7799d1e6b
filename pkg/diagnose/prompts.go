package diagnose

import (
	"fmt"
	"strings"

	"github.com/anchapin/cifixd/pkg/models"
)

// Section formatters. Stateless; all state comes from parameters.

// formatLogSection wraps a failure log excerpt. Long logs keep their tail,
// which is where build tools print the actual error.
func formatLogSection(logText string, maxLen int) string {
	var sb strings.Builder
	sb.WriteString("## Failure Log\n")
	if logText == "" {
		sb.WriteString("No log text available.\n")
		return sb.String()
	}
	if len(logText) > maxLen {
		logText = "... (truncated)\n" + logText[len(logText)-maxLen:]
	}
	sb.WriteString("```\n")
	sb.WriteString(logText)
	sb.WriteString("\n```\n")
	return sb.String()
}

// formatFeedbackSection lists verification feedback from earlier iterations.
func formatFeedbackSection(feedback []string) string {
	if len(feedback) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Feedback From Previous Attempts\n")
	sb.WriteString("Earlier fixes were rejected. Do not repeat them.\n")
	for i, f := range feedback {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, f)
	}
	return sb.String()
}

// formatRepoContextSection wraps the repo summary produced on iteration 0.
func formatRepoContextSection(repoContext string) string {
	if repoContext == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Repository Context\n")
	sb.WriteString(repoContext)
	sb.WriteString("\n")
	return sb.String()
}

// formatHistorySection summarizes prior node actions for classification.
func formatHistorySection(history []models.HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Session History\n")
	for _, h := range history {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", h.Node, h.Action, h.Result)
	}
	return sb.String()
}

// formatClassificationSection embeds an existing classification.
func formatClassificationSection(c *models.Classification) string {
	if c == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Error Classification\n")
	fmt.Fprintf(&sb, "Category: %s (confidence %.2f)\n", c.Category, c.Confidence)
	if len(c.AffectedFiles) > 0 {
		fmt.Fprintf(&sb, "Affected files: %s\n", strings.Join(c.AffectedFiles, ", "))
	}
	if c.SuggestedAction != "" {
		fmt.Fprintf(&sb, "Suggested action: %s\n", c.SuggestedAction)
	}
	return sb.String()
}

// formatDiagnosisSection embeds an existing diagnosis.
func formatDiagnosisSection(d *models.Diagnosis) string {
	var sb strings.Builder
	sb.WriteString("## Diagnosis\n")
	fmt.Fprintf(&sb, "Summary: %s\n", d.Summary)
	fmt.Fprintf(&sb, "Fix action: %s\n", d.FixAction)
	if d.FilePath != "" {
		fmt.Fprintf(&sb, "Target file: %s\n", d.FilePath)
	}
	if d.SuggestedCommand != "" {
		fmt.Fprintf(&sb, "Suggested command: %s\n", d.SuggestedCommand)
	}
	return sb.String()
}

// formatFileSection wraps one file's content in a fenced block.
func formatFileSection(title, path, content string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s: %s\n", title, path)
	sb.WriteString("```\n")
	sb.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("```\n")
	return sb.String()
}

func joinSections(sections ...string) string {
	var nonEmpty []string
	for _, s := range sections {
		if s != "" {
			nonEmpty = append(nonEmpty, strings.TrimRight(s, "\n"))
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}
