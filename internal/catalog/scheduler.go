package catalog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RefreshFunc runs one refresh cycle.
type RefreshFunc func(ctx context.Context)

// Scheduler triggers refreshes on a fixed interval. Ticks that arrive while
// a refresh is running join it rather than starting a second one.
type Scheduler struct {
	refresh  RefreshFunc
	interval time.Duration
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that calls refresh every interval.
func NewScheduler(refresh RefreshFunc, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		refresh:  refresh,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Run immediately on start, then on each tick.
		s.tick()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
	s.logger.Info("refresh scheduler started", zap.Duration("interval", s.interval))
}

// Stop signals the loop to exit and waits for the current refresh.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	return s.ctx != nil && s.ctx.Err() == nil
}

func (s *Scheduler) tick() {
	if s.ctx.Err() != nil {
		return
	}
	s.refresh(s.ctx)
}
