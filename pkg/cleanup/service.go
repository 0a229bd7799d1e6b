// Package cleanup provides background maintenance: reliability event
// retention and the periodic adaptive threshold review.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/anchapin/cifixd/pkg/reliability"
)

// Service periodically enforces retention and reviews thresholds:
//   - Deletes reliability events past their TTL
//   - Runs one adaptive threshold analysis cycle
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	eventTTLDays int
	interval     time.Duration
	telemetry    *reliability.Telemetry
	thresholds   *reliability.AdaptiveThresholdService
	logger       *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the maintenance service. thresholds may be nil, which
// disables the adjustment cycle.
func NewService(eventTTLDays int, interval time.Duration, telemetry *reliability.Telemetry, thresholds *reliability.AdaptiveThresholdService, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		eventTTLDays: eventTTLDays,
		interval:     interval,
		telemetry:    telemetry,
		thresholds:   thresholds,
		logger:       logger,
	}
}

// Start launches the background maintenance loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Maintenance service started",
		"event_ttl_days", s.eventTTLDays,
		"interval", s.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Maintenance service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneOldEvents(ctx)
	s.adjustThresholds(ctx)
}

func (s *Service) pruneOldEvents(ctx context.Context) {
	count, err := s.telemetry.DeleteOldEvents(ctx, s.eventTTLDays)
	if err != nil {
		s.logger.Error("Retention: event pruning failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: pruned old reliability events", "count", count)
	}
}

func (s *Service) adjustThresholds(ctx context.Context) {
	if s.thresholds == nil {
		return
	}
	adjustments, err := s.thresholds.AnalyzeAndAdjustThresholds(ctx, 0)
	if err != nil {
		s.logger.Error("Threshold review failed", "error", err)
		return
	}
	if len(adjustments) > 0 {
		s.logger.Info("Threshold review applied adjustments", "count", len(adjustments))
	}
}
