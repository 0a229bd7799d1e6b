package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan recovery metrics (thread-safe).
type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// runOrphanRecovery periodically re-queues runs whose heartbeat went stale.
// All pods run this independently; the UPDATE is idempotent.
func (p *WorkerPool) runOrphanRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.store.RequeueOrphans(ctx, p.config.OrphanThreshold)
			if err != nil {
				slog.Error("Orphan recovery failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("Re-queued orphaned runs", "count", n,
					"threshold", p.config.OrphanThreshold)
			}
			p.orphans.mu.Lock()
			p.orphans.lastScan = time.Now()
			p.orphans.recovered += n
			p.orphans.mu.Unlock()
		}
	}
}
