package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/diagnose"
	"github.com/anchapin/cifixd/pkg/graph"
	"github.com/anchapin/cifixd/pkg/hostapi"
	"github.com/anchapin/cifixd/pkg/learning"
	"github.com/anchapin/cifixd/pkg/llm"
	"github.com/anchapin/cifixd/pkg/loopdetect"
	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/reliability"
	"github.com/anchapin/cifixd/pkg/repair"
	"github.com/anchapin/cifixd/pkg/repro"
	"github.com/anchapin/cifixd/pkg/runbook"
	"github.com/anchapin/cifixd/pkg/sandbox"
	"github.com/anchapin/cifixd/pkg/store"
)

// reproDryRunTimeout bounds the sandbox dry-run used when inferring a
// reproduction command.
const reproDryRunTimeout = 60 * time.Second

// Executor processes one claimed run: it provisions the session's services
// and sandbox, drives the repair graph to a terminal node, and reports the
// terminal status back to the worker.
type Executor struct {
	cfg        *config.Config
	store      *store.Store
	thresholds *reliability.AdaptiveThresholdService
	learning   *learning.Reflection
	queue      *learning.PersistenceQueue
	logger     *slog.Logger
}

var _ RunExecutor = (*Executor)(nil)

// NewExecutor creates the shared run executor. thresholds carries the
// process-wide adaptive threshold state; the reflection store aggregates
// outcomes across runs and trails them into the trajectory aggregates.
func NewExecutor(cfg *config.Config, st *store.Store, thresholds *reliability.AdaptiveThresholdService, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	queue := learning.NewPersistenceQueue(trajectorySink(st), 0, logger)
	return &Executor{
		cfg:        cfg,
		store:      st,
		thresholds: thresholds,
		learning:   learning.NewReflection(queue),
		queue:      queue,
		logger:     logger,
	}
}

// Reflection exposes the cross-run pattern store.
func (e *Executor) Reflection() *learning.Reflection {
	return e.learning
}

// Close drains the reflection persistence queue. Call after the worker pool
// has stopped.
func (e *Executor) Close() {
	e.queue.Close()
}

// trajectorySink folds reflection records into the fix_trajectories
// aggregates. Unknown record types are dropped.
func trajectorySink(st *store.Store) learning.Sink {
	return func(ctx context.Context, record any) error {
		switch r := record.(type) {
		case learning.FailurePattern:
			return st.RecordTrajectory(ctx, store.TrajectorySample{
				ErrorCategory: models.ErrorCategory(r.ErrorType),
				Complexity:    contextInt(r.Context, "complexity"),
				Success:       false,
			})
		case learning.SuccessPattern:
			return st.RecordTrajectory(ctx, store.TrajectorySample{
				ErrorCategory: models.ErrorCategory(r.ErrorType),
				Complexity:    contextInt(r.Context, "complexity"),
				Success:       true,
				Reward:        1,
			})
		}
		return nil
	}
}

// contextInt reads an int out of a pattern context map. Values arrive as int
// from in-process records and as float64 after a JSON round trip.
func contextInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Execute runs one repair session end to end. It never returns nil; a panic
// inside the session becomes a failed result.
func (e *Executor) Execute(ctx context.Context, run *models.AgentRun) (result *ExecutionResult) {
	logger := e.logger.With("run_id", run.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Run panicked", "panic", r)
			result = &ExecutionResult{
				Status:        models.RunStatusFailed,
				FailureReason: fmt.Sprintf("internal error: %v", r),
			}
		}
	}()

	state, err := e.decodeState(run)
	if err != nil {
		return &ExecutionResult{Status: models.RunStatusFailed, FailureReason: err.Error(), Err: err}
	}

	providerName := state.Config.LLMProvider
	if providerName == "" && e.cfg.Defaults != nil {
		providerName = e.cfg.Defaults.LLMProvider
	}
	llmClient, err := llm.NewClientFromConfig(e.cfg.LLMProviderRegistry, providerName)
	if err != nil {
		return &ExecutionResult{Status: models.RunStatusFailed,
			FailureReason: fmt.Sprintf("LLM provider %q unavailable: %v", providerName, err), Err: err}
	}

	telemetry := reliability.NewTelemetry(e.store, logger)
	recovery := reliability.NewRecoveryStrategyService(telemetry, logger)
	loopEvents := graph.NewLoopEventRecorder(telemetry, run.ID)
	detector := loopdetect.New(loopEvents, logger)

	sb, err := e.provisionSandbox(ctx, state, detector, logger)
	if err != nil {
		return &ExecutionResult{Status: models.RunStatusFailed,
			FailureReason: fmt.Sprintf("sandbox unavailable: %v", err), Err: err}
	}
	defer func() {
		if err := sb.Teardown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Sandbox teardown failed", "error", err)
		}
	}()

	host, err := e.buildHost(state, logger)
	if err != nil {
		return &ExecutionResult{Status: models.RunStatusFailed, FailureReason: err.Error(), Err: err}
	}
	if files, err := host.ListFiles(ctx); err != nil {
		logger.Warn("Repo file listing unavailable for path resolution", "error", err)
	} else {
		sb.SetFiles(files)
	}

	engine := graph.NewEngine(graph.Context{
		Diagnoser:    diagnose.NewService(llmClient, logger),
		Host:         host,
		Sandbox:      sb,
		Monitor:      sandbox.NewMonitor(e.cfg.Sandbox.ResourceThresholds, logger),
		Facts:        e.store,
		Repro:        repro.NewInferrer(llmClient, reproDryRunTimeout, logger),
		LoopDetector: detector,
		LoopEvents:   loopEvents,
		Telemetry:    telemetry,
		Recovery:     recovery,
		Thresholds:   e.thresholds,
		Runbook:      runbook.NewMatcher(),
		Repair:       repair.NewAgent(llmClient, 0, logger),
		Learning:     e.learning,
		UpdateState: func(ctx context.Context, s *models.GraphState) error {
			raw, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("marshal state: %w", err)
			}
			return e.store.UpdateRunState(ctx, s.RunID, raw)
		},
		Logger:              logger,
		LintTimeout:         e.cfg.Defaults.LintTimeoutOrDefault(),
		ReproductionTimeout: e.cfg.Defaults.ReproductionTimeoutOrDefault(),
	})

	final := engine.Run(ctx, state)
	return e.terminalResult(ctx, final)
}

// decodeState restores the GraphState snapshot carried by the run row.
func (e *Executor) decodeState(run *models.AgentRun) (*models.GraphState, error) {
	if len(run.State) == 0 {
		return nil, errors.New("run has no graph state")
	}
	var state models.GraphState
	if err := json.Unmarshal(run.State, &state); err != nil {
		return nil, fmt.Errorf("decode graph state: %w", err)
	}
	if state.RunID == "" {
		state.RunID = run.ID
	}
	if state.Files == nil {
		state.Files = make(map[string]*models.FileState)
	}
	if state.MaxIterations <= 0 {
		state.MaxIterations = e.cfg.Defaults.MaxIterationsOrDefault()
	}
	state.Status = models.RunStatusWorking
	return &state, nil
}

// provisionSandbox creates and initializes the run's execution backend,
// wrapped in the hallucination guard.
func (e *Executor) provisionSandbox(ctx context.Context, state *models.GraphState, detector sandbox.Detector, logger *slog.Logger) (*sandbox.Guard, error) {
	sbCfg := *e.cfg.Sandbox
	if state.Config.ExecutionBackend != "" {
		sbCfg.Backend = config.SandboxBackend(state.Config.ExecutionBackend)
	}

	inner, err := sandbox.New(&sbCfg)
	if err != nil {
		return nil, err
	}
	if err := inner.Init(ctx); err != nil {
		return nil, err
	}
	logger.Info("Sandbox ready", "backend", sbCfg.Backend)
	return sandbox.NewGuard(inner, detector), nil
}

// buildHost constructs the source-host client from the run's config.
func (e *Executor) buildHost(state *models.GraphState, logger *slog.Logger) (*hostapi.GitHub, error) {
	owner, repo, err := hostapi.ParseRepoURL(state.Config.RepoURL)
	if err != nil {
		return nil, err
	}
	// The token is never persisted with the state snapshot; claimed runs
	// read it from the environment.
	token := state.Config.Token
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	hostCfg := hostapi.Config{
		Owner: owner,
		Repo:  repo,
		Ref:   state.Group.HeadSHA,
		Token: token,
	}
	// Host may be a bare name ("github") or a full API base URL for
	// enterprise installs.
	if strings.HasPrefix(state.Config.Host, "http://") || strings.HasPrefix(state.Config.Host, "https://") {
		hostCfg.BaseURL = state.Config.Host
	}
	return hostapi.NewGitHub(hostCfg, logger), nil
}

// terminalResult maps the final graph state onto the worker's result shape.
func (e *Executor) terminalResult(ctx context.Context, state *models.GraphState) *ExecutionResult {
	status := state.Status
	if status == models.RunStatusFailed && errors.Is(ctx.Err(), context.Canceled) {
		status = models.RunStatusCancelled
	}
	return &ExecutionResult{Status: status, FailureReason: state.FailureReason}
}
