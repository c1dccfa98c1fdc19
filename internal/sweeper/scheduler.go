// Package sweeper drives periodic activity sweeps inside the API process.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/oxdn/community/internal/activity"
	"go.uber.org/zap"
)

var errNonPositiveInterval = errors.New("sweeper: interval must be positive")

// Sweeper performs one demotion pass.
type Sweeper interface {
	Sweep(ctx context.Context) (activity.SweepResult, error)
}

// Scheduler runs a Sweeper on a fixed interval.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
}

func NewScheduler(sweeper Sweeper, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if sweeper == nil {
		return nil, errors.New("sweeper: sweeper required")
	}
	if interval <= 0 {
		return nil, errNonPositiveInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{sweeper: sweeper, interval: interval, logger: logger}, nil
}

// Run sweeps once immediately and then on every tick until ctx is done. A failed pass is
// logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("activity sweeper started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("activity sweeper stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) (activity.SweepResult, error) {
	result, err := s.sweeper.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("activity sweep failed", zap.Error(err))
		}
		return activity.SweepResult{}, err
	}
	fields := []zap.Field{
		zap.Int64("demoted_to_away", result.DemotedToAway),
		zap.Int64("demoted_to_offline", result.DemotedToOffline),
	}
	if result.Changed() {
		s.logger.Info("activity sweep completed", fields...)
	} else {
		s.logger.Debug("activity sweep completed", fields...)
	}
	return result, nil
}
