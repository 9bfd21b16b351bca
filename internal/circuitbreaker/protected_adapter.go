package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/vendor"
)

// ProtectedAdapter wraps a vendor adapter with a circuit breaker. While the
// circuit is open, sends fail immediately with ErrCircuitOpen; the dispatcher
// records those as failed outcomes eligible for retry once the vendor
// recovers.
type ProtectedAdapter struct {
	inner   vendor.Adapter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedAdapter wraps adapter with a breaker using the given config.
func NewProtectedAdapter(adapter vendor.Adapter, cfg Config, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{
		inner:   adapter,
		breaker: New(cfg, logger),
		logger:  logger,
	}
}

// Send implements vendor.Adapter.
func (p *ProtectedAdapter) Send(ctx context.Context, req vendor.SendRequest) error {
	if !p.breaker.Allow() {
		p.logger.Warn("send rejected, circuit open",
			zap.String("adapter", p.inner.Name()),
			zap.String("message_id", req.MessageID.String()),
		)
		return fmt.Errorf("vendor %s: %w", p.inner.Name(), ErrCircuitOpen)
	}

	err := p.inner.Send(ctx, req)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsChannel implements vendor.Adapter.
func (p *ProtectedAdapter) SupportsChannel(channel string) bool {
	return p.inner.SupportsChannel(channel)
}

// Name implements vendor.Adapter.
func (p *ProtectedAdapter) Name() string {
	return p.inner.Name() + "+breaker"
}

// Breaker exposes the underlying breaker for stats endpoints.
func (p *ProtectedAdapter) Breaker() *CircuitBreaker {
	return p.breaker
}
