package repro

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/anchapin/cifixd/pkg/llm"
)

// testKeywordRe matches run steps that look like test invocations.
var testKeywordRe = regexp.MustCompile(`(?i)\b(pytest|vitest|jest|mocha|cypress|go test|cargo test|bun test|npm test|yarn test|pnpm test|rspec|phpunit|test)\b`)

// workflowFile is the subset of GitHub workflow YAML the scanner needs.
type workflowFile struct {
	Jobs map[string]struct {
		Steps []struct {
			Name string `yaml:"name"`
			Uses string `yaml:"uses"`
			Run  string `yaml:"run"`
		} `yaml:"steps"`
	} `yaml:"jobs"`
}

var workflowLLMSchema = llm.MustCompileSchema("repro-workflow.json", `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {"type": "string", "minLength": 1},
    "reasoning": {"type": "string"}
  }
}`)

// workflowLLM asks the model to pinpoint the exact run step that failed.
// Requires both the workflow YAML and the failure log.
func (inf *Inferrer) workflowLLM(ctx context.Context, _ Tree, fc *FailureContext) (*Result, error) {
	if inf.llmClient == nil || fc.WorkflowYAML == "" || fc.LogText == "" {
		return nil, nil
	}

	prompt := fmt.Sprintf(`A CI workflow failed. Identify the exact shell command from a 'run:' step that produced the failure.

Workflow file:
%s

Failure log (tail):
%s

Respond with a JSON object: {"command": "<the failing shell command>", "reasoning": "<one sentence>"}`,
		truncateTail(fc.WorkflowYAML, 8000), truncateTail(fc.LogText, 8000))

	resp, err := inf.llmClient.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ResponseFormat: llm.FormatJSON,
		Schema:         workflowLLMSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow pinpoint: %w", err)
	}

	var out struct {
		Command   string `json:"command"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decoding workflow pinpoint response: %w", err)
	}
	if strings.TrimSpace(out.Command) == "" {
		return nil, nil
	}
	return &Result{
		Command:    strings.TrimSpace(out.Command),
		Confidence: 0.95,
		Strategy:   StrategyWorkflowLLM,
		Reasoning:  out.Reasoning,
	}, nil
}

// workflowScan parses workflow files and picks the first test-like run step.
func (inf *Inferrer) workflowScan(ctx context.Context, tree Tree, _ *FailureContext) (*Result, error) {
	files, err := tree.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing repo tree: %w", err)
	}

	var workflows []string
	for _, f := range files {
		dir := path.Dir(f)
		ext := path.Ext(f)
		if dir == ".github/workflows" && (ext == ".yml" || ext == ".yaml") {
			workflows = append(workflows, f)
		}
	}
	sort.Strings(workflows)

	for _, wf := range workflows {
		content, err := tree.Read(ctx, wf)
		if err != nil {
			continue
		}
		var parsed workflowFile
		if err := yaml.Unmarshal(content, &parsed); err != nil {
			continue
		}
		jobNames := make([]string, 0, len(parsed.Jobs))
		for name := range parsed.Jobs {
			jobNames = append(jobNames, name)
		}
		sort.Strings(jobNames)
		for _, jobName := range jobNames {
			for _, step := range parsed.Jobs[jobName].Steps {
				if step.Run == "" || strings.HasPrefix(step.Uses, "actions/checkout") {
					continue
				}
				line := firstTestLine(step.Run)
				if line == "" {
					continue
				}
				return &Result{
					Command:    line,
					Confidence: 0.9,
					Strategy:   StrategyWorkflowScan,
					Reasoning:  fmt.Sprintf("test step in %s job %q", wf, jobName),
				}, nil
			}
		}
	}
	return nil, nil
}

// firstTestLine returns the first line of a run block that contains a test
// keyword, skipping setup-only lines.
func firstTestLine(run string) string {
	for _, line := range strings.Split(run, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if testKeywordRe.MatchString(strings.ToLower(line)) {
			return line
		}
	}
	return ""
}

// signature maps a marker file at the repo root to its canonical test command.
type signature struct {
	marker     string
	command    string
	confidence float64
}

var signatures = []signature{
	{"pytest.ini", "pytest", 0.8},
	{"bun.lockb", "bun test", 0.8},
	{"package.json", "npm test", 0.75},
	{"Cargo.toml", "cargo test", 0.8},
	{"go.mod", "go test ./...", 0.8},
	{"pyproject.toml", "pytest", 0.7},
	{"setup.py", "python -m pytest", 0.7},
}

// signatureMatch infers from language ecosystem marker files.
func (inf *Inferrer) signatureMatch(ctx context.Context, tree Tree, _ *FailureContext) (*Result, error) {
	files, err := tree.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing repo tree: %w", err)
	}
	root := rootSet(files)

	for _, sig := range signatures {
		if !root[sig.marker] {
			continue
		}
		return &Result{
			Command:    sig.command,
			Confidence: sig.confidence,
			Strategy:   StrategySignature,
			Reasoning:  fmt.Sprintf("%s present at repo root", sig.marker),
		}, nil
	}
	return nil, nil
}

// buildTool infers from build system files.
func (inf *Inferrer) buildTool(ctx context.Context, tree Tree, _ *FailureContext) (*Result, error) {
	files, err := tree.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing repo tree: %w", err)
	}
	root := rootSet(files)

	if root["Makefile"] {
		content, err := tree.Read(ctx, "Makefile")
		if err == nil && regexp.MustCompile(`(?m)^test:`).Match(content) {
			return &Result{
				Command:    "make test",
				Confidence: 0.7,
				Strategy:   StrategyBuildTool,
				Reasoning:  "Makefile has a test: target",
			}, nil
		}
	}
	switch {
	case root["build.gradle"] || root["build.gradle.kts"]:
		return &Result{Command: "./gradlew test", Confidence: 0.7, Strategy: StrategyBuildTool,
			Reasoning: "Gradle build file at repo root"}, nil
	case root["pom.xml"]:
		return &Result{Command: "mvn test", Confidence: 0.7, Strategy: StrategyBuildTool,
			Reasoning: "Maven POM at repo root"}, nil
	case root["Rakefile"]:
		return &Result{Command: "rake test", Confidence: 0.7, Strategy: StrategyBuildTool,
			Reasoning: "Rakefile at repo root"}, nil
	}
	return nil, nil
}

// llmGuess lists the top root files and asks the model for a best guess.
func (inf *Inferrer) llmGuess(ctx context.Context, tree Tree, _ *FailureContext) (*Result, error) {
	if inf.llmClient == nil {
		return nil, nil
	}
	files, err := tree.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing repo tree: %w", err)
	}

	var rootFiles []string
	for _, f := range files {
		if !strings.Contains(f, "/") {
			rootFiles = append(rootFiles, f)
		}
	}
	sort.Strings(rootFiles)
	if len(rootFiles) > 50 {
		rootFiles = rootFiles[:50]
	}
	if len(rootFiles) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf(`Given these files at a repository root, what single shell command most likely runs the project's test suite?

Files:
%s

Respond with a JSON object: {"command": "<shell command>", "reasoning": "<one sentence>"}`,
		strings.Join(rootFiles, "\n"))

	resp, err := inf.llmClient.Generate(ctx, llm.Request{
		Contents:       []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ResponseFormat: llm.FormatJSON,
		Schema:         workflowLLMSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("llm guess: %w", err)
	}

	var out struct {
		Command   string `json:"command"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &out); err != nil {
		return nil, fmt.Errorf("decoding llm guess response: %w", err)
	}
	if strings.TrimSpace(out.Command) == "" {
		return nil, nil
	}
	return &Result{
		Command:    strings.TrimSpace(out.Command),
		Confidence: 0.6,
		Strategy:   StrategyLLMGuess,
		Reasoning:  out.Reasoning,
	}, nil
}

// safeScan is the last resort: a tests directory or test.* file implies a
// framework-appropriate command.
func (inf *Inferrer) safeScan(ctx context.Context, tree Tree, _ *FailureContext) (*Result, error) {
	files, err := tree.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing repo tree: %w", err)
	}

	hasTestsDir := false
	var testFile string
	for _, f := range files {
		if strings.HasPrefix(f, "tests/") || strings.HasPrefix(f, "test/") {
			hasTestsDir = true
		}
		base := path.Base(f)
		if testFile == "" && strings.HasPrefix(base, "test.") && !strings.Contains(f, "/") {
			testFile = f
		}
	}
	if !hasTestsDir && testFile == "" {
		return nil, nil
	}

	command := inferFrameworkCommand(files, testFile)
	if command == "" {
		return nil, nil
	}
	return &Result{
		Command:    command,
		Confidence: 0.5,
		Strategy:   StrategySafeScan,
		Reasoning:  "test directory or test file present",
	}, nil
}

func inferFrameworkCommand(files []string, testFile string) string {
	ext := map[string]int{}
	for _, f := range files {
		ext[path.Ext(f)]++
	}
	switch {
	case ext[".py"] > 0:
		return "pytest"
	case ext[".go"] > 0:
		return "go test ./..."
	case ext[".rs"] > 0:
		return "cargo test"
	case ext[".js"] > 0 || ext[".ts"] > 0 || ext[".jsx"] > 0 || ext[".tsx"] > 0:
		return "npm test"
	case testFile != "":
		return "sh " + testFile
	}
	return ""
}

func rootSet(files []string) map[string]bool {
	root := make(map[string]bool)
	for _, f := range files {
		if !strings.Contains(f, "/") {
			root[f] = true
		}
	}
	return root
}

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
