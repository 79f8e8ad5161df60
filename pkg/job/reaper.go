package job

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReapInterval  = time.Minute
	defaultReapThreshold = 30 * time.Minute
	defaultReapBatch     = 100
)

// Reaper periodically fails pending and running jobs stuck past their
// staleness allowance and releases their held funds.
type Reaper struct {
	service  *Service
	interval time.Duration
	staleFor func(category string) time.Duration
	batch    int
	logger   *zap.Logger
}

// NewReaper wires a Reaper. A zero interval falls back to the default, and a
// nil staleFor applies a flat allowance to every category.
func NewReaper(service *Service, interval time.Duration, staleFor func(category string) time.Duration, logger *zap.Logger) (*Reaper, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: job service is nil", ErrInvalidServiceConfig)
	}
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if staleFor == nil {
		staleFor = func(string) time.Duration { return defaultReapThreshold }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		service:  service,
		interval: interval,
		staleFor: staleFor,
		batch:    defaultReapBatch,
		logger:   logger,
	}, nil
}

// Run ticks until the context is cancelled. Sweep failures are logged and do
// not stop the loop.
func (reaper *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(reaper.interval)
	defer ticker.Stop()
	reaper.logger.Info("reaper started",
		zap.Duration("interval", reaper.interval))
	for {
		select {
		case <-ctx.Done():
			reaper.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			reaped, err := reaper.service.ReapStale(ctx, reaper.staleFor, reaper.batch)
			if err != nil {
				reaper.logger.Error("reap sweep failed", zap.Error(err))
				continue
			}
			if reaped > 0 {
				reaper.logger.Warn("reap sweep finished", zap.Int("reaped", reaped))
			}
		}
	}
}
