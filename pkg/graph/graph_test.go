package graph

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/learning"
	"github.com/anchapin/cifixd/pkg/loopdetect"
	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/reliability"
	"github.com/anchapin/cifixd/pkg/repro"
	"github.com/anchapin/cifixd/pkg/sandbox"
)

// fakeHost serves canned logs and an in-memory repo tree.
type fakeHost struct {
	logs    map[string]*FailureLogs // keyed by strategy
	files   map[string]string
	fetches []string
}

func (h *fakeHost) FetchFailureLogs(_ context.Context, _ models.RunGroup, strategy string) (*FailureLogs, error) {
	h.fetches = append(h.fetches, strategy)
	if logs, ok := h.logs[strategy]; ok {
		return logs, nil
	}
	if logs, ok := h.logs["*"]; ok {
		return logs, nil
	}
	return nil, nil
}

func (h *fakeHost) FindClosestFile(_ context.Context, path string) (string, error) {
	if _, ok := h.files[path]; ok {
		return path, nil
	}
	for candidate := range h.files {
		if strings.HasSuffix(candidate, "/"+path) || strings.HasSuffix(candidate, path) {
			return candidate, nil
		}
	}
	return "", nil
}

func (h *fakeHost) GetFileContent(_ context.Context, path string) (string, error) {
	content, ok := h.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (h *fakeHost) ListFiles(_ context.Context) ([]string, error) {
	var paths []string
	for path := range h.files {
		paths = append(paths, path)
	}
	return paths, nil
}

// fakeDiagnoser returns scripted results and counts calls.
type fakeDiagnoser struct {
	classification *models.Classification
	diagnosis      *models.Diagnosis
	plan           *models.Plan
	fixContent     string
	judgeApproved  bool
	refined        string
	dag            *models.ErrorDAG

	refineCalls   int
	diagnoseCalls int
}

func (d *fakeDiagnoser) ClassifyErrorWithHistory(context.Context, string, string, []models.HistoryEntry) (*models.Classification, error) {
	c := *d.classification
	return &c, nil
}

func (d *fakeDiagnoser) DiagnoseError(context.Context, string, string, *models.Classification, []string) (*models.Diagnosis, error) {
	d.diagnoseCalls++
	diag := *d.diagnosis
	return &diag, nil
}

func (d *fakeDiagnoser) GenerateDetailedPlan(_ context.Context, diagnosis *models.Diagnosis, _ *models.GraphState) (*models.Plan, error) {
	if d.plan != nil {
		p := *d.plan
		return &p, nil
	}
	return &models.Plan{
		Goal:     "fix " + diagnosis.Summary,
		Tasks:    []models.PlanTask{{ID: "t1", Description: diagnosis.Summary, Status: models.TaskPending, TargetFile: diagnosis.FilePath}},
		Approved: true,
	}, nil
}

func (d *fakeDiagnoser) GenerateFix(context.Context, *models.FileState, *models.Diagnosis, []string, string) (string, error) {
	return d.fixContent, nil
}

func (d *fakeDiagnoser) JudgeFix(context.Context, string, string, string, *models.Diagnosis) (bool, string, error) {
	return d.judgeApproved, "", nil
}

func (d *fakeDiagnoser) RefineProblemStatement(context.Context, *models.Diagnosis, []string, string) (string, error) {
	d.refineCalls++
	return d.refined, nil
}

func (d *fakeDiagnoser) DecomposeProblem(context.Context, *models.Diagnosis, string) (*models.ErrorDAG, error) {
	return d.dag, nil
}

// memFacts collects persisted artifacts.
type memFacts struct {
	facts []*models.ErrorFact
	mods  []*models.FileModification
}

func (f *memFacts) InsertErrorFact(_ context.Context, fact *models.ErrorFact) error {
	f.facts = append(f.facts, fact)
	return nil
}

func (f *memFacts) InsertFileModification(_ context.Context, mod *models.FileModification) error {
	f.mods = append(f.mods, mod)
	return nil
}

// scriptSandbox replays scripted exec results; default is success.
type scriptSandbox struct {
	files map[string][]byte
	onRun func(cmd string) *sandbox.ExecResult
	runs  []string
	argvs [][]string
	stats *sandbox.ResourceStats
}

func newScriptSandbox() *scriptSandbox {
	return &scriptSandbox{files: map[string][]byte{}}
}

func (s *scriptSandbox) Init(context.Context) error { return nil }

func (s *scriptSandbox) RunCommand(_ context.Context, cmd string, _ sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	s.runs = append(s.runs, cmd)
	if s.onRun != nil {
		if res := s.onRun(cmd); res != nil {
			return res, nil
		}
	}
	return &sandbox.ExecResult{}, nil
}

func (s *scriptSandbox) RunArgv(ctx context.Context, argv []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	s.argvs = append(s.argvs, argv)
	return s.RunCommand(ctx, strings.Join(argv, " "), opts)
}

func (s *scriptSandbox) WriteFile(_ context.Context, path string, content []byte) error {
	s.files[path] = append([]byte(nil), content...)
	return nil
}

func (s *scriptSandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	content, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (s *scriptSandbox) ResourceStats(context.Context) (*sandbox.ResourceStats, error) {
	return s.stats, nil
}

func (s *scriptSandbox) Teardown(context.Context) error { return nil }

// memEventStore implements reliability.EventStore in memory.
type memEventStore struct {
	events []*models.ReliabilityEvent
}

func (m *memEventStore) InsertReliabilityEvent(_ context.Context, ev *models.ReliabilityEvent) error {
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("ev-%d", len(m.events)+1)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memEventStore) UpdateRecoveryOutcome(_ context.Context, eventID, strategy string, outcome models.EventOutcome, successful bool) error {
	for _, ev := range m.events {
		if ev.ID == eventID {
			ev.RecoveryStrategy = strategy
			ev.Outcome = outcome
			ev.RecoverySuccessful = &successful
		}
	}
	return nil
}

func (m *memEventStore) GetRecentEvents(_ context.Context, layer models.DefenseLayer, n int) ([]*models.ReliabilityEvent, error) {
	var out []*models.ReliabilityEvent
	for _, ev := range m.events {
		if ev.Layer == layer {
			out = append(out, ev)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (m *memEventStore) ListEventsSince(_ context.Context, layer models.DefenseLayer, since time.Time) ([]*models.ReliabilityEvent, error) {
	var out []*models.ReliabilityEvent
	for _, ev := range m.events {
		if ev.Layer == layer && !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memEventStore) DeleteOldEvents(_ context.Context, _ int) (int, error) {
	return 0, nil
}

func (m *memEventStore) byLayer(layer models.DefenseLayer) []*models.ReliabilityEvent {
	var out []*models.ReliabilityEvent
	for _, ev := range m.events {
		if ev.Layer == layer {
			out = append(out, ev)
		}
	}
	return out
}

// harness bundles the session services around a fresh engine.
type harness struct {
	host      *fakeHost
	diagnoser *fakeDiagnoser
	facts     *memFacts
	sandbox   *scriptSandbox
	events    *memEventStore
	engine    *Engine
	updates   int
}

func newHarness(host *fakeHost, diagnoser *fakeDiagnoser) *harness {
	h := &harness{
		host:      host,
		diagnoser: diagnoser,
		facts:     &memFacts{},
		sandbox:   newScriptSandbox(),
		events:    &memEventStore{},
	}
	telemetry := reliability.NewTelemetry(h.events, nil)
	recorder := NewLoopEventRecorder(telemetry, "run-1")
	h.engine = NewEngine(Context{
		Diagnoser:    diagnoser,
		Host:         host,
		Sandbox:      h.sandbox,
		Facts:        h.facts,
		Repro:        repro.NewInferrer(nil, time.Second, nil),
		LoopDetector: loopdetect.New(recorder, nil),
		LoopEvents:   recorder,
		Telemetry:    telemetry,
		Recovery:     reliability.NewRecoveryStrategyService(telemetry, nil),
		UpdateState: func(context.Context, *models.GraphState) error {
			h.updates++
			return nil
		},
	})
	return h
}

func newState(maxIterations int) *models.GraphState {
	return models.NewGraphState("run-1", models.RunConfig{}, models.RunGroup{MainRunID: 7}, maxIterations)
}

func TestRun_CommandFixHappyPath(t *testing.T) {
	host := &fakeHost{
		logs:  map[string]*FailureLogs{"extended": {LogText: "Error: Cannot find module 'lodash'"}},
		files: map[string]string{"package.json": `{"name":"app"}`},
	}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryDependency, Confidence: 0.9},
		diagnosis: &models.Diagnosis{
			Summary:             "Missing module lodash",
			FixAction:           models.FixActionCommand,
			SuggestedCommand:    "npm install lodash",
			ReproductionCommand: `node -e "require('lodash')"`,
			Confidence:          0.9,
		},
	}
	h := newHarness(host, diagnoser)

	state := h.engine.Run(context.Background(), newState(5))

	assert.Equal(t, models.RunStatusSuccess, state.Status)
	assert.Empty(t, h.facts.mods, "command fixes must not create FileModification rows")
	require.Len(t, h.facts.facts, 1)
	assert.Equal(t, "dependency", h.facts.facts[0].Notes.ClassificationCategory)
	assert.Contains(t, h.sandbox.runs, "npm install lodash")
	assert.Positive(t, h.updates)
}

func TestRun_EditFixHappyPath(t *testing.T) {
	host := &fakeHost{
		logs:  map[string]*FailureLogs{"extended": {LogText: "TypeError: Cannot read property 'foo' of undefined at app.ts:10"}},
		files: map[string]string{"src/app.ts": "export const foo = bar.foo;"},
	}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryRuntime},
		diagnosis: &models.Diagnosis{
			Summary:             "Undefined property access in app.ts",
			FilePath:            "src/app.ts",
			FixAction:           models.FixActionEdit,
			ReproductionCommand: "npm test",
		},
		fixContent:    "export const foo = bar?.foo;",
		judgeApproved: true,
	}
	h := newHarness(host, diagnoser)

	state := h.engine.Run(context.Background(), newState(5))

	assert.Equal(t, models.RunStatusSuccess, state.Status)
	require.Contains(t, state.Files, "src/app.ts")
	assert.Equal(t, models.FileModified, state.Files["src/app.ts"].Status)
	require.Len(t, h.facts.mods, 1)
	assert.Equal(t, "src/app.ts", h.facts.mods[0].Path)
	assert.NotEqual(t, h.facts.mods[0].BeforeHash, h.facts.mods[0].AfterHash)
}

func TestAnalysis_RefinesWithFeedback(t *testing.T) {
	host := &fakeHost{files: map[string]string{"main.py": "print()"}}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryDependency},
		diagnosis:      &models.Diagnosis{Summary: "missing requirements", FixAction: models.FixActionCommand, SuggestedCommand: "pip install -r requirements.txt"},
		refined:        "Previous attempts: requirements.txt not found",
	}
	h := newHarness(host, diagnoser)

	state := newState(5)
	state.Iteration = 1
	state.CurrentLogText = "ModuleNotFoundError: No module named 'flask'"
	state.ComplexityHistory = []int{7}
	state.DivergingPrefix = 1
	state.Feedback = []string{"requirements.txt not found"}

	h.engine.runAnalysis(context.Background(), state)

	assert.Equal(t, models.NodePlanning, state.CurrentNode)
	assert.Contains(t, state.RefinedProblemStatement, "Previous attempts: requirements.txt not found")
	assert.Len(t, state.ComplexityHistory, 2)
	assert.Equal(t, 1, diagnoser.refineCalls)
	assert.Empty(t, h.facts.facts, "ErrorFact is iteration-0 only")
}

func TestRun_MaxIterationsExceeded(t *testing.T) {
	host := &fakeHost{
		logs:  map[string]*FailureLogs{"*": {LogText: "assert failed"}},
		files: map[string]string{"main.py": "print()"},
	}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryTestFailure},
		diagnosis: &models.Diagnosis{
			Summary:             "flaky assertion",
			FixAction:           models.FixActionCommand,
			SuggestedCommand:    "true",
			ReproductionCommand: "pytest",
		},
	}
	h := newHarness(host, diagnoser)

	// The reproduction keeps failing with a fresh error each round so loop
	// detection stays quiet.
	round := 0
	h.sandbox.onRun = func(cmd string) *sandbox.ExecResult {
		if cmd != "pytest" {
			return nil
		}
		round++
		return &sandbox.ExecResult{ExitCode: 1, Stderr: fmt.Sprintf("failure %d", round)}
	}

	state := h.engine.Run(context.Background(), newState(3))

	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Contains(t, state.FailureReason, "Max iterations")
	assert.Equal(t, 3, round)
	assert.Equal(t, []string{"extended", "any_error", "force_latest"}, host.fetches)
}

func TestRun_StrategyLoop(t *testing.T) {
	host := &fakeHost{
		logs:  map[string]*FailureLogs{"*": {LogText: "assert failed"}},
		files: map[string]string{"main.py": "print()"},
	}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryTestFailure},
		diagnosis: &models.Diagnosis{
			Summary:             "same failure every time",
			FixAction:           models.FixActionCommand,
			SuggestedCommand:    "true",
			ReproductionCommand: "pytest",
		},
	}
	h := newHarness(host, diagnoser)

	// Identical failure output each round makes iterations fingerprint-equal.
	h.sandbox.onRun = func(cmd string) *sandbox.ExecResult {
		if cmd != "pytest" {
			return nil
		}
		return &sandbox.ExecResult{ExitCode: 1, Stderr: "assert failed"}
	}

	state := h.engine.Run(context.Background(), newState(10))

	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, "Strategy loop", state.FailureReason)

	loopEvents := h.events.byLayer(models.LayerLoopDetection)
	require.NotEmpty(t, loopEvents)
	// The first loop recovered via strategy shift, the second requested a human.
	assert.Equal(t, models.RecoveredBy(reliability.StrategyShift), loopEvents[0].Outcome)
	assert.Equal(t, models.OutcomeHumanRequested, loopEvents[len(loopEvents)-1].Outcome)
	assert.Contains(t, state.Feedback, strategyShiftAdvice)
}

func TestRun_ReproductionInferredFromWorkflow(t *testing.T) {
	workflow := `name: ci
jobs:
  test:
    steps:
      - uses: actions/checkout@v4
      - run: pytest backend/tests/
`
	host := &fakeHost{
		logs: map[string]*FailureLogs{"extended": {LogText: "FAILED backend/tests/test_app.py"}},
		files: map[string]string{
			".github/workflows/ci.yml":  workflow,
			"backend/tests/test_app.py": "def test_ok(): pass",
		},
	}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryTestFailure},
		diagnosis: &models.Diagnosis{
			Summary:          "backend test failure",
			FixAction:        models.FixActionCommand,
			SuggestedCommand: "true",
			// No reproduction command: verification must infer one.
		},
	}
	h := newHarness(host, diagnoser)

	state := h.engine.Run(context.Background(), newState(5))

	assert.Equal(t, models.RunStatusSuccess, state.Status)
	assert.Equal(t, "pytest backend/tests/", state.Diagnosis.ReproductionCommand)
	assert.Contains(t, h.sandbox.runs, "pytest backend/tests/")

	reproEvents := h.events.byLayer(models.LayerReproduction)
	require.Len(t, reproEvents, 1)
	assert.Equal(t, models.RecoveredBy(reliability.StrategyInferCommand), reproEvents[0].Outcome)
}

func TestRun_CancelledContext(t *testing.T) {
	host := &fakeHost{logs: map[string]*FailureLogs{"*": {LogText: "boom"}}, files: map[string]string{}}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryUnknown},
		diagnosis:      &models.Diagnosis{Summary: "x", FixAction: models.FixActionCommand, SuggestedCommand: "true", ReproductionCommand: "true"},
	}
	h := newHarness(host, diagnoser)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state := h.engine.Run(ctx, newState(5))

	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, "Cancelled", state.FailureReason)
}

func TestNextNode_PriorityAndDependencies(t *testing.T) {
	state := newState(5)
	state.ErrorDAG = &models.ErrorDAG{
		RootProblem: "build broken",
		Nodes: []models.ErrorDAGNode{
			{ID: "a", Problem: "fix imports", Priority: 1, Complexity: 2},
			{ID: "b", Problem: "fix types", Priority: 3, Complexity: 5, Dependencies: []string{"a"}},
			{ID: "c", Problem: "fix lint", Priority: 3, Complexity: 2, Dependencies: []string{"a"}},
		},
	}

	node := NextNode(state)
	require.NotNil(t, node)
	assert.Equal(t, "a", node.ID, "only node with satisfied dependencies")

	MarkSolved(state, "a")
	node = NextNode(state)
	require.NotNil(t, node)
	assert.Equal(t, "c", node.ID, "equal priority resolves to lowest complexity")

	MarkSolved(state, "c")
	MarkSolved(state, "c")
	assert.Len(t, state.SolvedNodes, 2, "MarkSolved is idempotent")
	assert.InDelta(t, 2.0/3.0, Progress(state), 1e-9)

	MarkSolved(state, "b")
	assert.Nil(t, NextNode(state))
}

func TestLogStrategyLadder(t *testing.T) {
	host := &fakeHost{logs: map[string]*FailureLogs{}, files: map[string]string{}}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryUnknown},
		diagnosis:      &models.Diagnosis{Summary: "x", FixAction: models.FixActionCommand},
	}
	h := newHarness(host, diagnoser)

	state := newState(5)
	state.Iteration = 3
	h.engine.runAnalysis(context.Background(), state)

	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, "No failed job found", state.FailureReason)
	assert.Empty(t, host.fetches)
}

func TestRun_OutcomesFeedReflection(t *testing.T) {
	reflection := learning.NewReflection(nil)

	host := &fakeHost{
		logs:  map[string]*FailureLogs{"extended": {LogText: "Error: Cannot find module 'lodash'"}},
		files: map[string]string{"package.json": `{"name":"app"}`},
	}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryDependency},
		diagnosis: &models.Diagnosis{
			Summary:             "Missing module lodash",
			FixAction:           models.FixActionCommand,
			SuggestedCommand:    "npm install lodash",
			ReproductionCommand: `node -e "require('lodash')"`,
		},
	}
	h := newHarness(host, diagnoser)
	h.engine.services.Learning = reflection

	state := h.engine.Run(context.Background(), newState(5))
	require.Equal(t, models.RunStatusSuccess, state.Status)

	pattern, ok := reflection.SuccessPattern(string(models.CategoryDependency))
	require.True(t, ok)
	assert.Equal(t, "Missing module lodash", pattern.Fix)

	failHost := &fakeHost{
		logs:  map[string]*FailureLogs{"*": {LogText: "TypeError: boom at app.ts:3"}},
		files: map[string]string{"src/app.ts": "export const x = y.z;"},
	}
	failDiagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryRuntime},
		diagnosis: &models.Diagnosis{
			Summary:             "Undefined access",
			FilePath:            "src/app.ts",
			FixAction:           models.FixActionEdit,
			ReproductionCommand: "npm test",
		},
		fixContent:    "export const x = y?.z;",
		judgeApproved: true,
	}
	h2 := newHarness(failHost, failDiagnoser)
	h2.sandbox.onRun = func(cmd string) *sandbox.ExecResult {
		if cmd == "npm test" {
			return &sandbox.ExecResult{ExitCode: 1, Stderr: "1 test failed"}
		}
		return nil
	}
	h2.engine.services.Learning = reflection

	state = h2.engine.Run(context.Background(), newState(1))
	require.Equal(t, models.RunStatusFailed, state.Status)

	patterns := reflection.FailurePatterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, string(models.CategoryRuntime), patterns[0].ErrorType)
	assert.Equal(t, "Max iterations exceeded", patterns[0].FailureReason)
}

func TestApplyAndLint_ChecksViaArgv(t *testing.T) {
	host := &fakeHost{
		logs:  map[string]*FailureLogs{"*": {LogText: "SyntaxError: invalid syntax (app.py, line 3)"}},
		files: map[string]string{"src/app.py": "print(1"},
	}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategorySyntax},
		diagnosis: &models.Diagnosis{
			Summary:             "Unclosed paren",
			FilePath:            "src/app.py",
			FixAction:           models.FixActionEdit,
			ReproductionCommand: "pytest",
		},
		fixContent:    "print(1)",
		judgeApproved: true,
	}
	h := newHarness(host, diagnoser)

	state := h.engine.Run(context.Background(), newState(5))
	require.Equal(t, models.RunStatusSuccess, state.Status)

	// The syntax check must receive the path as a literal argv element, not
	// through a shell line.
	var lint []string
	for _, argv := range h.sandbox.argvs {
		if len(argv) > 0 && argv[0] == "python" {
			lint = argv
		}
	}
	require.NotNil(t, lint)
	assert.Equal(t, []string{"python", "-m", "py_compile", "src/app.py"}, lint)
}

func TestRun_ResourceExhaustionAbortsIteration(t *testing.T) {
	host := &fakeHost{
		logs:  map[string]*FailureLogs{"*": {LogText: "worker killed: out of memory"}},
		files: map[string]string{"src/app.py": "data = load_all()"},
	}
	diagnoser := &fakeDiagnoser{
		classification: &models.Classification{Category: models.CategoryRuntime},
		diagnosis: &models.Diagnosis{
			Summary:             "Unbounded load",
			FilePath:            "src/app.py",
			FixAction:           models.FixActionEdit,
			ReproductionCommand: "pytest",
		},
		fixContent:    "data = load_page(0)",
		judgeApproved: true,
	}
	h := newHarness(host, diagnoser)
	h.sandbox.stats = &sandbox.ResourceStats{CPUPercent: 97, MemoryPercent: 40}
	h.engine.services.Monitor = sandbox.NewMonitor(config.ResourceThresholds{CPUWarn: 70, CPUCrit: 90}, nil)

	state := h.engine.Run(context.Background(), newState(2))

	require.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, "Max iterations exceeded", state.FailureReason)
	assert.True(t, state.SandboxUnhealthy)
	// Verification never ran: the iteration aborted before reproduction.
	assert.NotContains(t, h.sandbox.runs, "pytest")

	aborts := 0
	for _, entry := range state.History {
		if entry.Action == "resource_exhausted" {
			aborts++
		}
	}
	assert.Equal(t, 2, aborts)
	require.NotEmpty(t, state.Feedback)
	assert.Contains(t, state.Feedback[len(state.Feedback)-1], "Iteration aborted")
}
