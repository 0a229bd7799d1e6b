package learning

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink persists one queued record. Called from the queue's writer goroutine.
type Sink func(ctx context.Context, record any) error

// QueueTelemetry is a point-in-time snapshot of the queue's counters.
type QueueTelemetry struct {
	QueueSize       int     `json:"queue_size"`
	WritesSucceeded int64   `json:"writes_succeeded"`
	WritesFailed    int64   `json:"writes_failed"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

const defaultQueueCapacity = 1024

type queueItem struct {
	record any
	// flush markers carry a done channel instead of a record.
	flushDone chan struct{}
}

// PersistenceQueue decouples pattern recording from durable writes. Enqueue
// never blocks: a full queue counts the record as a failed write and drops
// it, keeping the in-memory store authoritative.
type PersistenceQueue struct {
	sink   Sink
	items  chan queueItem
	logger *slog.Logger

	writesSucceeded atomic.Int64
	writesFailed    atomic.Int64
	totalLatencyNs  atomic.Int64

	// mu orders sends against Close: senders hold the read lock, Close takes
	// the write lock before closing items.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewPersistenceQueue starts the writer goroutine. capacity of 0 uses the
// default.
func NewPersistenceQueue(sink Sink, capacity int, logger *slog.Logger) *PersistenceQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &PersistenceQueue{
		sink:   sink,
		items:  make(chan queueItem, capacity),
		logger: logger,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *PersistenceQueue) run() {
	defer close(q.done)
	for item := range q.items {
		if item.flushDone != nil {
			close(item.flushDone)
			continue
		}
		start := time.Now()
		err := q.sink(context.Background(), item.record)
		q.totalLatencyNs.Add(time.Since(start).Nanoseconds())
		if err != nil {
			q.writesFailed.Add(1)
			q.logger.Warn("Pattern write failed", "error", err)
			continue
		}
		q.writesSucceeded.Add(1)
	}
}

// Enqueue accepts a record without blocking. Returns false when the record
// was dropped, either because the queue is full or already closed. Late
// records from runs that outlive shutdown are dropped rather than panicking.
func (q *PersistenceQueue) Enqueue(record any) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.writesFailed.Add(1)
		q.logger.Warn("Persistence queue closed, record dropped")
		return false
	}
	select {
	case q.items <- queueItem{record: record}:
		return true
	default:
		q.writesFailed.Add(1)
		q.logger.Warn("Persistence queue full, record dropped")
		return false
	}
}

// Flush blocks until every record enqueued before the call has been written,
// or the context expires. A closed queue has already drained and returns nil.
func (q *PersistenceQueue) Flush(ctx context.Context) error {
	marker := queueItem{flushDone: make(chan struct{})}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil
	}
	select {
	case q.items <- marker:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-marker.flushDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer after draining what is already queued. Safe to call
// more than once and concurrently with Enqueue.
func (q *PersistenceQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()
	<-q.done
}

// Telemetry returns the queue's counter snapshot.
func (q *PersistenceQueue) Telemetry() QueueTelemetry {
	succeeded := q.writesSucceeded.Load()
	failed := q.writesFailed.Load()
	avg := 0.0
	if succeeded+failed > 0 {
		avg = float64(q.totalLatencyNs.Load()) / float64(succeeded+failed) / 1e6
	}
	return QueueTelemetry{
		QueueSize:       len(q.items),
		WritesSucceeded: succeeded,
		WritesFailed:    failed,
		AvgLatencyMs:    avg,
	}
}
