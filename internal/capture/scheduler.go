package capture

import (
	"context"
	"log/slog"
	"time"
)

// DefaultFlushPeriod is how often the scheduler checks for idle sessions.
const DefaultFlushPeriod = 100 * time.Millisecond

// Scheduler periodically closes sessions that have gone idle, so the last
// burst before a pause is stored without waiting for the next key.
type Scheduler struct {
	agg    *Aggregator
	period time.Duration
	logger *slog.Logger
}

// NewScheduler creates a scheduler ticking every period (DefaultFlushPeriod if <= 0).
func NewScheduler(agg *Aggregator, period time.Duration, logger *slog.Logger) *Scheduler {
	if period <= 0 {
		period = DefaultFlushPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{agg: agg, period: period, logger: logger}
}

// Run ticks until ctx is cancelled. A tick in progress completes first.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.Debug("flush scheduler started", "period", s.period)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("flush scheduler stopped")
			return
		case <-ticker.C:
			s.agg.FlushIfIdle(ctx)
		}
	}
}
