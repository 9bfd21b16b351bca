// Package audience resolves declarative rules to the set of matching
// customers. Resolution is read-only and never mutates campaign state.
package audience

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/db"
	"github.com/beaconcrm/beacon/internal/rules"
)

// CustomerSource supplies the customer set the resolver evaluates against.
type CustomerSource interface {
	ListCustomers(ctx context.Context) ([]*db.Customer, error)
}

// Resolver evaluates validated rules against the customer store.
type Resolver struct {
	source CustomerSource
	logger *zap.Logger
}

// NewResolver creates a new audience resolver.
func NewResolver(source CustomerSource, logger *zap.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger,
	}
}

// Resolve returns exactly the customers matching the rule. An empty result is
// not an error. The rule must already be validated; malformed rules are a
// caller-side validation failure, never a resolver runtime error.
func (r *Resolver) Resolve(ctx context.Context, rule rules.Rule) ([]*db.Customer, error) {
	customers, err := r.source.ListCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load customers: %w", err)
	}

	now := time.Now()
	var matched []*db.Customer
	for _, c := range customers {
		if rule.Matches(c, now) {
			matched = append(matched, c)
		}
	}

	r.logger.Debug("audience resolved",
		zap.Int("candidates", len(customers)),
		zap.Int("matched", len(matched)),
		zap.String("rule", rule.Describe()),
	)

	return matched, nil
}

// Preview is the resolver output for UI feedback before a campaign exists.
type Preview struct {
	AudienceSize    int            `json:"audience_size"`
	SampleCustomers []*db.Customer `json:"sample_customers"`
}

// PreviewSampleSize is how many matching customers a preview returns.
const PreviewSampleSize = 5

// Preview resolves the rule and returns the size plus the first few matches.
// Nothing is created or mutated.
func (r *Resolver) Preview(ctx context.Context, rule rules.Rule) (*Preview, error) {
	matched, err := r.Resolve(ctx, rule)
	if err != nil {
		return nil, err
	}

	sample := matched
	if len(sample) > PreviewSampleSize {
		sample = sample[:PreviewSampleSize]
	}

	return &Preview{
		AudienceSize:    len(matched),
		SampleCustomers: sample,
	}, nil
}
