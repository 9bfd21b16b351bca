// Package worker runs the background loops: the retry sweeper that requeues
// failed deliveries whose backoff elapsed, and the stats sync that re-derives
// campaign counters from the delivery log.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/db"
	"github.com/beaconcrm/beacon/internal/metrics"
)

// RetryStore is the repository slice the sweeper needs.
type RetryStore interface {
	ClaimRetryEligible(ctx context.Context, limit int) ([]*db.DeliveryLog, error)
}

// Resubmitter pushes claimed entries back through the vendor. The dispatcher
// implements this.
type Resubmitter interface {
	Resubmit(ctx context.Context, entries []*db.DeliveryLog)
}

type Sweeper struct {
	store       RetryStore
	resubmitter Resubmitter
	config      SweeperConfig
	logger      *zap.Logger
}

type SweeperConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func NewSweeper(store RetryStore, resubmitter Resubmitter, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}

	return &Sweeper{
		store:       store,
		resubmitter: resubmitter,
		config:      cfg,
		logger:      logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.Info("retry sweeper started",
		zap.Duration("interval", s.config.PollInterval),
		zap.Int("batch_size", s.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry sweeper stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep claims due entries and hands them to the dispatcher. The claim flips
// the rows back to pending, so once claimed they follow the normal receipt
// path end to end.
func (s *Sweeper) sweep(ctx context.Context) {
	entries, err := s.store.ClaimRetryEligible(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to claim retry-eligible deliveries", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	s.logger.Info("requeuing failed deliveries",
		zap.Int("count", len(entries)),
	)
	metrics.RecordRetriesSwept(len(entries))

	s.resubmitter.Resubmit(ctx, entries)
}
