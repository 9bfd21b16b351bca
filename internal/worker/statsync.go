package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Rederiver recomputes campaign counters from the delivery log. The
// reconciler implements this.
type Rederiver interface {
	RederiveStats(ctx context.Context) error
}

// StatsSync periodically reconciles campaign counter blocks against the
// authoritative delivery log.
type StatsSync struct {
	rederiver Rederiver
	interval  time.Duration
	logger    *zap.Logger
}

func NewStatsSync(rederiver Rederiver, interval time.Duration, logger *zap.Logger) *StatsSync {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &StatsSync{
		rederiver: rederiver,
		interval:  interval,
		logger:    logger,
	}
}

func (s *StatsSync) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("stats sync started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stats sync stopping")
			return
		case <-ticker.C:
			if err := s.rederiver.RederiveStats(ctx); err != nil {
				s.logger.Error("stats re-derivation failed", zap.Error(err))
			}
		}
	}
}
