package sandbox

import (
	"context"
	"log/slog"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/errs"
)

// Monitor evaluates sandbox resource usage against configured thresholds.
type Monitor struct {
	thresholds config.ResourceThresholds
	logger     *slog.Logger
}

// NewMonitor builds a monitor for the given thresholds.
func NewMonitor(thresholds config.ResourceThresholds, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{thresholds: thresholds, logger: logger}
}

// Check samples usage and returns a KindResourceExhausted error when any
// metric crosses its critical threshold. Warning-level crossings are logged
// only. Backends that cannot observe usage pass.
func (m *Monitor) Check(ctx context.Context, sb Sandbox) error {
	stats, err := sb.ResourceStats(ctx)
	if err != nil {
		// Monitoring must not fail the session on a stats read error.
		m.logger.Warn("Failed to read sandbox resource stats", "error", err)
		return nil
	}
	if stats == nil {
		return nil
	}

	t := m.thresholds
	switch {
	case t.CPUCrit > 0 && stats.CPUPercent >= t.CPUCrit:
		return errs.Ef(errs.KindResourceExhausted, "CPU usage %.1f%% over critical threshold %.1f%%",
			stats.CPUPercent, t.CPUCrit)
	case t.MemCrit > 0 && stats.MemoryPercent >= t.MemCrit:
		return errs.Ef(errs.KindResourceExhausted, "memory usage %.1f%% over critical threshold %.1f%%",
			stats.MemoryPercent, t.MemCrit)
	case t.PidsCrit > 0 && stats.Pids >= t.PidsCrit:
		return errs.Ef(errs.KindResourceExhausted, "PID count %d over critical threshold %d",
			stats.Pids, t.PidsCrit)
	}

	if t.CPUWarn > 0 && stats.CPUPercent >= t.CPUWarn {
		m.logger.Warn("Sandbox CPU usage high", "cpu_percent", stats.CPUPercent, "warn_threshold", t.CPUWarn)
	}
	if t.MemWarn > 0 && stats.MemoryPercent >= t.MemWarn {
		m.logger.Warn("Sandbox memory usage high", "memory_percent", stats.MemoryPercent, "warn_threshold", t.MemWarn)
	}
	if t.PidsWarn > 0 && stats.Pids >= t.PidsWarn {
		m.logger.Warn("Sandbox PID count high", "pids", stats.Pids, "warn_threshold", t.PidsWarn)
	}
	return nil
}
