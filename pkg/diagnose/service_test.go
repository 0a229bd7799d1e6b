package diagnose

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchapin/cifixd/pkg/llm"
	"github.com/anchapin/cifixd/pkg/models"
)

// scriptedProvider returns canned responses in order and captures prompts.
type scriptedProvider struct {
	responses []string
	calls     int
	prompts   []string
}

func (p *scriptedProvider) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.prompts = append(p.prompts, req.Contents[len(req.Contents)-1].Content)
	text := p.responses[p.calls%len(p.responses)]
	p.calls++
	return &llm.Response{Text: text}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func newService(responses ...string) (*Service, *scriptedProvider) {
	provider := &scriptedProvider{responses: responses}
	return NewService(llm.NewClient(provider, 0), nil), provider
}

func TestClassifyErrorWithHistory(t *testing.T) {
	svc, provider := newService(`{"category": "DEPENDENCY", "affected_files": ["requirements.txt"], "confidence": 0.9, "suggested_action": "add package"}`)

	c, err := svc.ClassifyErrorWithHistory(context.Background(),
		"ModuleNotFoundError: No module named 'requests'", ".github/workflows/ci.yml",
		[]models.HistoryEntry{{Node: models.NodeAnalysis, Action: "classify", Result: "DEPENDENCY"}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryDependency, c.Category)
	assert.Equal(t, []string{"requirements.txt"}, c.AffectedFiles)

	require.Len(t, provider.prompts, 1)
	assert.Contains(t, provider.prompts[0], "ModuleNotFoundError")
	assert.Contains(t, provider.prompts[0], "Session History")
}

func TestClassify_InvalidJSONIsReprompted(t *testing.T) {
	svc, provider := newService(
		"sure, here is the classification",
		`{"category": "SYNTAX", "confidence": 0.8}`)

	c, err := svc.ClassifyErrorWithHistory(context.Background(), "SyntaxError", "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.CategorySyntax, c.Category)
	assert.Equal(t, 2, provider.calls)
}

func TestDiagnoseError(t *testing.T) {
	svc, provider := newService(`{"summary": "missing dependency", "fix_action": "command", "suggested_command": "pip install requests", "reproduction_command": "pytest", "confidence": 0.85}`)

	d, err := svc.DiagnoseError(context.Background(), "ModuleNotFoundError", "python repo",
		&models.Classification{Category: models.CategoryDependency, Confidence: 0.9},
		[]string{"Test Suite Failed: still missing"})
	require.NoError(t, err)
	assert.Equal(t, models.FixActionCommand, d.FixAction)
	assert.Equal(t, "pip install requests", d.SuggestedCommand)
	assert.Equal(t, "pytest", d.ReproductionCommand)

	assert.Contains(t, provider.prompts[0], "Feedback From Previous Attempts")
	assert.Contains(t, provider.prompts[0], "Repository Context")
}

func TestDiagnoseError_CommandFixRequiresCommand(t *testing.T) {
	svc, _ := newService(`{"summary": "x", "fix_action": "command", "confidence": 0.5}`)

	_, err := svc.DiagnoseError(context.Background(), "log", "", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a command")
}

func TestGenerateDetailedPlan(t *testing.T) {
	svc, _ := newService(`{"goal": "fix import", "tasks": [{"id": "t1", "description": "add import", "target_file": "src/app.py"}], "approved": true}`)

	plan, err := svc.GenerateDetailedPlan(context.Background(),
		&models.Diagnosis{Summary: "bad import", FixAction: models.FixActionEdit, FilePath: "src/app.py"},
		&models.GraphState{})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, models.TaskPending, plan.Tasks[0].Status)
	assert.True(t, plan.Approved)
}

func TestGenerateFix_StripsFences(t *testing.T) {
	svc, _ := newService("```python\nimport requests\nprint('ok')\n```")

	content, err := svc.GenerateFix(context.Background(),
		&models.FileState{Path: "app.py", Original: models.FileVersion{Content: "print('ok')"}},
		&models.Diagnosis{Summary: "missing import", FixAction: models.FixActionEdit},
		nil, "")
	require.NoError(t, err)
	assert.Equal(t, "import requests\nprint('ok')", content)
}

func TestJudgeFix(t *testing.T) {
	svc, _ := newService(`{"approved": false, "reasoning": "unrelated changes"}`)

	approved, reasoning, err := svc.JudgeFix(context.Background(),
		"app.py", "old", "new", &models.Diagnosis{Summary: "s", FixAction: models.FixActionEdit})
	require.NoError(t, err)
	assert.False(t, approved)
	assert.Equal(t, "unrelated changes", reasoning)
}

func TestRefineProblemStatement(t *testing.T) {
	svc, provider := newService(`{"refined_problem": "the import fails only under python 3.12"}`)

	refined, err := svc.RefineProblemStatement(context.Background(),
		&models.Diagnosis{Summary: "import fails", FixAction: models.FixActionEdit},
		[]string{"Test Suite Failed: 3.12 only"}, "the import fails")
	require.NoError(t, err)
	assert.Equal(t, "the import fails only under python 3.12", refined)
	assert.Contains(t, provider.prompts[0], "Previous Statement")
}

func TestDecomposeProblem(t *testing.T) {
	svc, _ := newService(`{"root_problem": "build and tests both broken", "nodes": [
		{"id": "n1", "problem": "fix build", "priority": 2, "complexity": 3, "dependencies": []},
		{"id": "n2", "problem": "fix tests", "priority": 1, "complexity": 5, "dependencies": ["n1"]}
	]}`)

	dag, err := svc.DecomposeProblem(context.Background(),
		&models.Diagnosis{Summary: "composite", FixAction: models.FixActionEdit}, "log")
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 2)
	assert.Equal(t, []string{"n1"}, dag.Nodes[1].Dependencies)
}

func TestEstimateComplexity(t *testing.T) {
	tests := []struct {
		name           string
		classification *models.Classification
		log            string
		want           int
	}{
		{"syntax is simple", &models.Classification{Category: models.CategorySyntax}, "SyntaxError", 2},
		{"unknown is hard", nil, "???", 7},
		{
			"cascading raises",
			&models.Classification{Category: models.CategoryDependency},
			"error: Caused by: missing artifact", 5,
		},
		{
			"many affected files raise",
			&models.Classification{
				Category:      models.CategoryTestFailure,
				AffectedFiles: []string{"a", "b", "c", "d"},
			},
			"", 7,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateComplexity(tt.classification, tt.log))
		})
	}
}
