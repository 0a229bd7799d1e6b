package learning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFailure_AggregatesByTypeAndReason(t *testing.T) {
	r := NewReflection(nil)

	r.RecordFailure("ModuleNotFoundError", "missing dependency", "pip install requests", nil)
	r.RecordFailure("ModuleNotFoundError", "missing dependency", "pip install -r requirements.txt", nil)
	r.RecordFailure("ModuleNotFoundError", "wrong import path", "", map[string]any{"file": "app.py"})

	patterns := r.FailurePatterns()
	require.Len(t, patterns, 2)

	byReason := make(map[string]FailurePattern)
	for _, p := range patterns {
		byReason[p.FailureReason] = p
	}

	missing := byReason["missing dependency"]
	assert.Equal(t, 2, missing.Frequency)
	assert.Equal(t, "pip install -r requirements.txt", missing.AttemptedFix)
	assert.False(t, missing.FirstSeen.After(missing.LastSeen))

	wrong := byReason["wrong import path"]
	assert.Equal(t, 1, wrong.Frequency)
	assert.Equal(t, "app.py", wrong.Context["file"])
}

func TestRecordSuccess_OverwritesButKeepsCount(t *testing.T) {
	r := NewReflection(nil)

	r.RecordSuccess("SyntaxError", "fix indentation", nil)
	r.RecordSuccess("SyntaxError", "close the bracket", nil)

	p, ok := r.SuccessPattern("SyntaxError")
	require.True(t, ok)
	assert.Equal(t, "close the bracket", p.Fix)

	_, ok = r.SuccessPattern("TypeError")
	assert.False(t, ok)

	// Two successes against one failure keeps the rate below the
	// suggestion cutoff.
	for i := 0; i < reflectMinFrequency; i++ {
		r.RecordFailure("SyntaxError", "parse error", "", nil)
	}
	report := r.Reflect()
	require.Len(t, report.Insights, 1)
	assert.InDelta(t, 0.6, report.Insights[0].FailureRate, 0.001)
	assert.Len(t, report.Suggestions, 1)
}

func TestReflect_FrequencyThresholdAndRanking(t *testing.T) {
	r := NewReflection(nil)

	for i := 0; i < 5; i++ {
		r.RecordFailure("ImportError", "circular import", "split module", nil)
	}
	for i := 0; i < 3; i++ {
		r.RecordFailure("AssertionError", "flaky fixture", "pin seed", nil)
	}
	r.RecordFailure("OSError", "disk full", "", nil)

	report := r.Reflect()
	require.Len(t, report.Insights, 2)
	assert.Equal(t, "ImportError", report.Insights[0].ErrorType)
	assert.Equal(t, 5, report.Insights[0].Frequency)
	assert.Equal(t, "AssertionError", report.Insights[1].ErrorType)

	// Every surviving insight has a 100% failure rate, so both produce
	// suggestions.
	require.Len(t, report.Suggestions, 2)
	for _, s := range report.Suggestions {
		assert.Contains(t, s, "keeps failing")
	}
}

func TestReflect_SuggestionSuppressedByHighSuccessRate(t *testing.T) {
	r := NewReflection(nil)

	for i := 0; i < 3; i++ {
		r.RecordFailure("TimeoutError", "slow endpoint", "raise timeout", nil)
	}
	for i := 0; i < 4; i++ {
		r.RecordSuccess("TimeoutError", "raise timeout", nil)
	}

	report := r.Reflect()
	require.Len(t, report.Insights, 1)
	assert.InDelta(t, 3.0/7.0, report.Insights[0].FailureRate, 0.001)
	assert.Empty(t, report.Suggestions)
}

func TestPersistenceQueue_WritesAndTelemetry(t *testing.T) {
	var mu sync.Mutex
	var written []any
	sink := func(_ context.Context, record any) error {
		mu.Lock()
		written = append(written, record)
		mu.Unlock()
		return nil
	}
	q := NewPersistenceQueue(sink, 16, nil)
	defer q.Close()

	r := NewReflection(q)
	r.RecordFailure("ImportError", "circular import", "", nil)
	r.RecordSuccess("ImportError", "split module", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, written, 2)
	fp, ok := written[0].(FailurePattern)
	require.True(t, ok)
	assert.Equal(t, "ImportError", fp.ErrorType)
	sp, ok := written[1].(SuccessPattern)
	require.True(t, ok)
	assert.Equal(t, "split module", sp.Fix)

	tel := q.Telemetry()
	assert.Equal(t, int64(2), tel.WritesSucceeded)
	assert.Equal(t, int64(0), tel.WritesFailed)
	assert.Equal(t, 0, tel.QueueSize)
	assert.GreaterOrEqual(t, tel.AvgLatencyMs, 0.0)
}

func TestPersistenceQueue_SinkErrorsCountedAsFailed(t *testing.T) {
	sink := func(context.Context, any) error { return errors.New("connection refused") }
	q := NewPersistenceQueue(sink, 4, nil)
	defer q.Close()

	assert.True(t, q.Enqueue("a"))
	assert.True(t, q.Enqueue("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))

	tel := q.Telemetry()
	assert.Equal(t, int64(0), tel.WritesSucceeded)
	assert.Equal(t, int64(2), tel.WritesFailed)
}

func TestPersistenceQueue_FullQueueDrops(t *testing.T) {
	release := make(chan struct{})
	sink := func(context.Context, any) error {
		<-release
		return nil
	}
	q := NewPersistenceQueue(sink, 1, nil)
	defer q.Close()

	// First record occupies the writer, second fills the channel.
	require.True(t, q.Enqueue("a"))
	require.Eventually(t, func() bool {
		return q.Telemetry().QueueSize == 0
	}, time.Second, time.Millisecond)
	require.True(t, q.Enqueue("b"))
	dropped := q.Enqueue("c")
	assert.False(t, dropped)
	assert.Equal(t, int64(1), q.Telemetry().WritesFailed)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, int64(2), q.Telemetry().WritesSucceeded)
}

func TestPersistenceQueue_EnqueueAfterCloseDrops(t *testing.T) {
	var mu sync.Mutex
	var written []any
	sink := func(_ context.Context, record any) error {
		mu.Lock()
		written = append(written, record)
		mu.Unlock()
		return nil
	}
	q := NewPersistenceQueue(sink, 4, nil)

	require.True(t, q.Enqueue("before"))
	q.Close()

	// A run finishing after shutdown drops its record instead of panicking.
	require.NotPanics(t, func() {
		assert.False(t, q.Enqueue("late"))
	})
	assert.Equal(t, int64(1), q.Telemetry().WritesFailed)
	require.NoError(t, q.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"before"}, written)

	// Close is idempotent.
	q.Close()
}

func TestRecordFailure_ConcurrentCallsAcceptQuickly(t *testing.T) {
	sink := func(context.Context, any) error {
		time.Sleep(time.Millisecond)
		return nil
	}
	q := NewPersistenceQueue(sink, 256, nil)
	defer q.Close()
	r := NewReflection(q)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordFailure("ImportError", "circular import", "split module", nil)
		}()
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	patterns := r.FailurePatterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, 100, patterns[0].Frequency)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, int64(100), q.Telemetry().WritesSucceeded)
}
