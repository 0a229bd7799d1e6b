package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchapin/cifixd/pkg/models"
	"github.com/anchapin/cifixd/pkg/reliability"
)

type fakeEventStore struct {
	mu     sync.Mutex
	events []*models.ReliabilityEvent
}

func (f *fakeEventStore) InsertReliabilityEvent(_ context.Context, ev *models.ReliabilityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEventStore) UpdateRecoveryOutcome(context.Context, string, string, models.EventOutcome, bool) error {
	return nil
}

func (f *fakeEventStore) GetRecentEvents(context.Context, models.DefenseLayer, int) ([]*models.ReliabilityEvent, error) {
	return nil, nil
}

func (f *fakeEventStore) ListEventsSince(context.Context, models.DefenseLayer, time.Time) ([]*models.ReliabilityEvent, error) {
	return nil, nil
}

func (f *fakeEventStore) DeleteOldEvents(_ context.Context, days int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -days)
	kept := f.events[:0]
	deleted := 0
	for _, ev := range f.events {
		if ev.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	f.events = kept
	return deleted, nil
}

func (f *fakeEventStore) remaining() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		ids = append(ids, ev.ID)
	}
	return ids
}

func TestService_PrunesEventsPastTTL(t *testing.T) {
	st := &fakeEventStore{events: []*models.ReliabilityEvent{
		{ID: "stale", CreatedAt: time.Now().AddDate(0, 0, -60)},
		{ID: "fresh", CreatedAt: time.Now()},
	}}
	svc := NewService(30, time.Hour, reliability.NewTelemetry(st, nil), nil, nil)

	// runAll fires once on Start, before the first tick.
	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return len(st.remaining()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"fresh"}, st.remaining())
}

func TestService_PrunesAgainOnTick(t *testing.T) {
	st := &fakeEventStore{}
	svc := NewService(30, 10*time.Millisecond, reliability.NewTelemetry(st, nil), nil, nil)

	svc.Start(context.Background())
	defer svc.Stop()

	st.mu.Lock()
	st.events = append(st.events, &models.ReliabilityEvent{ID: "late-stale", CreatedAt: time.Now().AddDate(0, 0, -45)})
	st.mu.Unlock()

	require.Eventually(t, func() bool {
		return len(st.remaining()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestService_StartAndStopAreIdempotent(t *testing.T) {
	svc := NewService(30, time.Hour, reliability.NewTelemetry(&fakeEventStore{}, nil), nil, nil)

	svc.Start(context.Background())
	svc.Start(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Stop()
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
