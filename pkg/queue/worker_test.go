package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/store"
)

type finalized struct {
	status models.RunStatus
	reason string
}

// fakeRunStore is an in-memory RunStore.
type fakeRunStore struct {
	mu         sync.Mutex
	pending    []*models.AgentRun
	working    int
	finalized  map[string]finalized
	heartbeats int
	requeued   int
}

func newFakeRunStore(runs ...*models.AgentRun) *fakeRunStore {
	return &fakeRunStore{pending: runs, finalized: make(map[string]finalized)}
}

func (f *fakeRunStore) ClaimNextRun(_ context.Context, podID string) (*models.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, store.ErrNotFound
	}
	run := f.pending[0]
	f.pending = f.pending[1:]
	run.Status = models.RunStatusWorking
	run.PodID = podID
	f.working++
	return run, nil
}

func (f *fakeRunStore) Heartbeat(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeRunStore) FinalizeRun(_ context.Context, id string, status models.RunStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[id] = finalized{status: status, reason: reason}
	f.working--
	return nil
}

func (f *fakeRunStore) CountRunsByStatus(_ context.Context, status models.RunStatus) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch status {
	case models.RunStatusPending:
		return len(f.pending), nil
	case models.RunStatusWorking:
		return f.working, nil
	}
	return 0, nil
}

func (f *fakeRunStore) RequeueOrphans(context.Context, time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.requeued
	f.requeued = 0
	return n, nil
}

func (f *fakeRunStore) finalizedFor(id string) (finalized, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fin, ok := f.finalized[id]
	return fin, ok
}

type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]*ExecutionResult
	delay   time.Duration
	runs    []string
}

func (f *fakeExecutor) Execute(ctx context.Context, run *models.AgentRun) *ExecutionResult {
	f.mu.Lock()
	f.runs = append(f.runs, run.ID)
	result := f.results[run.ID]
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil
		}
	}
	return result
}

func testQueueConfig() *config.QueueConfig {
	cfg := config.DefaultQueueConfig()
	cfg.WorkerCount = 1
	cfg.MaxConcurrentRuns = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollIntervalJitter = 0
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.OrphanDetectionInterval = 10 * time.Millisecond
	return cfg
}

type noopRegistry struct{}

func (noopRegistry) RegisterRun(string, context.CancelFunc) {}
func (noopRegistry) UnregisterRun(string)                   {}

func TestWorker_ProcessesRunToTerminalStatus(t *testing.T) {
	st := newFakeRunStore(&models.AgentRun{ID: "run-1", Status: models.RunStatusPending})
	exec := &fakeExecutor{results: map[string]*ExecutionResult{
		"run-1": {Status: models.RunStatusSuccess},
	}}
	w := NewWorker("w-0", "pod-a", st, testQueueConfig(), exec, noopRegistry{})

	w.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := st.finalizedFor("run-1")
		return ok
	}, time.Second, 5*time.Millisecond)
	w.Stop()

	fin, _ := st.finalizedFor("run-1")
	assert.Equal(t, models.RunStatusSuccess, fin.status)
	assert.Empty(t, fin.reason)
	assert.Equal(t, []string{"run-1"}, exec.runs)
}

func TestWorker_HeartbeatsWhileExecuting(t *testing.T) {
	st := newFakeRunStore(&models.AgentRun{ID: "run-1", Status: models.RunStatusPending})
	exec := &fakeExecutor{
		results: map[string]*ExecutionResult{"run-1": {Status: models.RunStatusFailed, FailureReason: "Max iterations exceeded"}},
		delay:   50 * time.Millisecond,
	}
	w := NewWorker("w-0", "pod-a", st, testQueueConfig(), exec, noopRegistry{})

	w.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := st.finalizedFor("run-1")
		return ok
	}, time.Second, 5*time.Millisecond)
	w.Stop()

	st.mu.Lock()
	beats := st.heartbeats
	st.mu.Unlock()
	assert.Greater(t, beats, 0)

	fin, _ := st.finalizedFor("run-1")
	assert.Equal(t, models.RunStatusFailed, fin.status)
	assert.Equal(t, "Max iterations exceeded", fin.reason)
}

func TestWorker_RespectsGlobalCapacity(t *testing.T) {
	st := newFakeRunStore(&models.AgentRun{ID: "run-1", Status: models.RunStatusPending})
	st.working = 2 // already at MaxConcurrentRuns
	exec := &fakeExecutor{results: map[string]*ExecutionResult{}}
	w := NewWorker("w-0", "pod-a", st, testQueueConfig(), exec, noopRegistry{})

	err := w.pollAndProcess(context.Background())
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.Empty(t, exec.runs)
}

func TestWorker_NoPendingRuns(t *testing.T) {
	st := newFakeRunStore()
	w := NewWorker("w-0", "pod-a", st, testQueueConfig(), &fakeExecutor{}, noopRegistry{})

	err := w.pollAndProcess(context.Background())
	assert.ErrorIs(t, err, ErrNoRunsAvailable)
}

func TestWorker_NormalizeResult(t *testing.T) {
	w := NewWorker("w-0", "pod-a", newFakeRunStore(), testQueueConfig(), &fakeExecutor{}, noopRegistry{})

	// Executor result with a terminal status passes through.
	got := w.normalizeResult(context.Background(), &ExecutionResult{Status: models.RunStatusSuccess})
	assert.Equal(t, models.RunStatusSuccess, got.Status)

	// Nil result after a deadline becomes a failed run with a timeout reason.
	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()
	got = w.normalizeResult(expired, nil)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "timed out")

	// Nil result after cancellation becomes cancelled.
	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	got = w.normalizeResult(cancelled, nil)
	assert.Equal(t, models.RunStatusCancelled, got.Status)

	// Nil result with a live context is an executor defect.
	got = w.normalizeResult(context.Background(), nil)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "no terminal status")
}

func TestWorker_TimedOutRunFinalizedAsFailed(t *testing.T) {
	cfg := testQueueConfig()
	cfg.RunTimeout = 20 * time.Millisecond

	st := newFakeRunStore(&models.AgentRun{ID: "run-1", Status: models.RunStatusPending})
	exec := &fakeExecutor{delay: time.Second} // returns nil on ctx cancel
	w := NewWorker("w-0", "pod-a", st, cfg, exec, noopRegistry{})

	require.NoError(t, w.pollAndProcess(context.Background()))
	fin, ok := st.finalizedFor("run-1")
	require.True(t, ok)
	assert.Equal(t, models.RunStatusFailed, fin.status)
	assert.Contains(t, fin.reason, "timed out")
}
