package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anchapin/cifixd/pkg/llm"
)

// FaultLocation is one suspected fault site.
type FaultLocation struct {
	File         string  `json:"file"`
	Line         int     `json:"line"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning,omitempty"`
	SuggestedFix string  `json:"suggested_fix,omitempty"`
}

// FaultLocalization is the localization result.
type FaultLocalization struct {
	Primary      FaultLocation   `json:"primary_location"`
	Alternatives []FaultLocation `json:"alternative_locations,omitempty"`
	StackTrace   []Frame         `json:"stack_trace,omitempty"`
	Method       string          `json:"method"`
}

var localizeSchema = llm.MustCompileSchema("localize.json", `{
  "type": "object",
  "required": ["primary_location"],
  "properties": {
    "primary_location": {
      "type": "object",
      "required": ["file", "line"],
      "properties": {
        "file": {"type": "string"},
        "line": {"type": "integer"},
        "confidence": {"type": "number"},
        "reasoning": {"type": "string"},
        "suggested_fix": {"type": "string"}
      }
    },
    "alternative_locations": {"type": "array"}
  }
}`)

// LocalizeFault asks the model for the most likely fault site, feeding it the
// extracted stack frames and optional file content.
func (a *Agent) LocalizeFault(ctx context.Context, logText string, frames []Frame, fileContent string) (*FaultLocalization, error) {
	var sb strings.Builder
	sb.WriteString("Locate the fault behind this failure.\n\n## Failure Log\n```\n")
	sb.WriteString(tail(logText, 8000))
	sb.WriteString("\n```\n")

	if len(frames) > 0 {
		sb.WriteString("\n## Extracted Stack Frames\n")
		for _, f := range frames {
			fmt.Fprintf(&sb, "- %s:%d", f.File, f.Line)
			if f.Function != "" {
				fmt.Fprintf(&sb, " (%s)", f.Function)
			}
			sb.WriteString("\n")
		}
	}
	if fileContent != "" {
		sb.WriteString("\n## Suspect File Content\n```\n")
		sb.WriteString(fileContent)
		sb.WriteString("\n```\n")
	}
	sb.WriteString(`
Respond with a JSON object:
{"primary_location": {"file": "...", "line": 0, "confidence": 0.0-1.0, "reasoning": "...", "suggested_fix": "..."}, "alternative_locations": [...]}`)

	resp, err := a.llm.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		ResponseFormat: llm.FormatJSON,
		Schema:         localizeSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("localize fault: %w", err)
	}

	var out FaultLocalization
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decoding fault localization: %w", err)
	}
	out.StackTrace = frames
	out.Method = "llm"
	return &out, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
