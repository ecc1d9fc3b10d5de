package syncqueue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives sync cycles on a fixed interval, with one cycle at
// startup so a device that is rarely online syncs as soon as it can.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler constructs a scheduler around a manager.
func NewScheduler(manager *Manager, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		manager:  manager,
		interval: interval,
		logger:   logger.Named("sync_scheduler"),
	}
}

// Start blocks until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("sync scheduler started", zap.Duration("interval", s.interval))

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.manager.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		s.logger.Debug("previous sync cycle still running, skipping tick")
	case err != nil:
		if ctx.Err() == nil {
			s.logger.Error("sync cycle failed", zap.Error(err))
		}
	case report.Selected > 0:
		s.logger.Info("sync cycle finished",
			zap.Int("selected", report.Selected),
			zap.Int("synced", report.Synced),
			zap.Int("failed", report.Failed))
	}
}
