// Package campaign implements the campaign lifecycle: draft creation and
// editing, launch with an audience snapshot, administrative pause and cancel,
// and read models over campaigns and their deliveries.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/audience"
	"github.com/beaconcrm/beacon/internal/db"
	"github.com/beaconcrm/beacon/internal/dispatch"
	"github.com/beaconcrm/beacon/internal/metrics"
	"github.com/beaconcrm/beacon/internal/rules"
)

// Validation errors surfaced to the API layer as 400s.
var (
	ErrNameRequired     = errors.New("campaign name is required")
	ErrTemplateRequired = errors.New("message template is required")
	ErrBadChannel       = errors.New("unsupported channel")
	ErrBadType          = errors.New("unsupported campaign type")
	ErrBadTransition    = errors.New("status transition not allowed")
)

// Store is the slice of the repository the service needs.
type Store interface {
	CreateCampaign(ctx context.Context, c *db.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]*db.Campaign, error)
	UpdateDraftCampaign(ctx context.Context, c *db.Campaign) error
	DeleteDraftCampaign(ctx context.Context, id uuid.UUID) error
	LaunchCampaign(ctx context.Context, id uuid.UUID, audienceSize int) (*db.Campaign, error)
	SetCampaignStatus(ctx context.Context, id uuid.UUID, from []string, to string) error
	CountDeliveryOutcomes(ctx context.Context, campaignID uuid.UUID) (db.OutcomeCounts, error)
	ListDeliveryLogsByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*db.DeliveryLog, error)
}

// Service coordinates campaign operations across the repository, the audience
// resolver, and the dispatcher.
type Service struct {
	store      Store
	resolver   *audience.Resolver
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

func NewService(store Store, resolver *audience.Resolver, dispatcher *dispatch.Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// CreateInput is the write model for draft creation and updates.
type CreateInput struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	MessageTemplate string          `json:"message_template"`
	Rule            json.RawMessage `json:"audience_rules"`
	Channel         string          `json:"channel"`
	Type            string          `json:"type"`
	Launch          bool            `json:"launch,omitempty"`
}

func (in *CreateInput) validate() (rules.Rule, error) {
	if in.Name == "" {
		return rules.Rule{}, ErrNameRequired
	}
	if in.MessageTemplate == "" {
		return rules.Rule{}, ErrTemplateRequired
	}
	if in.Channel == "" {
		in.Channel = db.ChannelEmail
	}
	if !db.ValidChannel(in.Channel) {
		return rules.Rule{}, fmt.Errorf("%w: %s", ErrBadChannel, in.Channel)
	}
	if in.Type == "" {
		in.Type = db.TypePromotional
	}
	if !db.ValidCampaignType(in.Type) {
		return rules.Rule{}, fmt.Errorf("%w: %s", ErrBadType, in.Type)
	}
	return rules.Parse(in.Rule)
}

// Create validates the input and persists a draft. With Launch set, the new
// campaign is launched in the same call.
func (s *Service) Create(ctx context.Context, in CreateInput) (*db.Campaign, error) {
	if _, err := in.validate(); err != nil {
		return nil, err
	}

	c := &db.Campaign{
		ID:              uuid.New(),
		Name:            in.Name,
		Description:     in.Description,
		MessageTemplate: in.MessageTemplate,
		Rule:            in.Rule,
		Channel:         in.Channel,
		Type:            in.Type,
		Status:          db.CampaignDraft,
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("name", c.Name),
		zap.String("channel", c.Channel),
	)

	if in.Launch {
		return s.Launch(ctx, c.ID)
	}
	return c, nil
}

// Update replaces a draft's mutable fields. Campaigns past draft are
// immutable and the repository rejects the write.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in CreateInput) (*db.Campaign, error) {
	if _, err := in.validate(); err != nil {
		return nil, err
	}

	c := &db.Campaign{
		ID:              id,
		Name:            in.Name,
		Description:     in.Description,
		MessageTemplate: in.MessageTemplate,
		Rule:            in.Rule,
		Channel:         in.Channel,
		Type:            in.Type,
	}
	if err := s.store.UpdateDraftCampaign(ctx, c); err != nil {
		return nil, err
	}
	return s.store.GetCampaign(ctx, id)
}

// Delete removes a draft. Launched campaigns cannot be deleted.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteDraftCampaign(ctx, id)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	return s.store.GetCampaign(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*db.Campaign, error) {
	return s.store.ListCampaigns(ctx, limit, offset)
}

// Launch resolves the audience, snapshots its size, moves the campaign to
// running, and dispatches. A campaign whose audience resolves empty completes
// immediately; there is nothing to deliver.
func (s *Service) Launch(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != db.CampaignDraft {
		return nil, db.ErrNotDraft
	}

	rule, err := rules.Parse(c.Rule)
	if err != nil {
		return nil, fmt.Errorf("stored rule invalid: %w", err)
	}

	customers, err := s.resolver.Resolve(ctx, rule)
	if err != nil {
		return nil, err
	}

	c, err = s.store.LaunchCampaign(ctx, id, len(customers))
	if err != nil {
		return nil, err
	}

	metrics.RecordCampaignLaunched(c.Channel)
	s.logger.Info("campaign launched",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("audience_size", c.AudienceSize),
	)

	if len(customers) == 0 {
		if err := s.store.SetCampaignStatus(ctx, id, []string{db.CampaignRunning}, db.CampaignCompleted); err != nil {
			return nil, err
		}
		metrics.RecordCampaignCompleted()
		return s.store.GetCampaign(ctx, id)
	}

	if err := s.dispatcher.Dispatch(ctx, c, customers); err != nil {
		return nil, err
	}
	return c, nil
}

// Preview resolves a rule without creating anything.
func (s *Service) Preview(ctx context.Context, ruleJSON json.RawMessage) (*audience.Preview, error) {
	rule, err := rules.Parse(ruleJSON)
	if err != nil {
		return nil, err
	}
	return s.resolver.Preview(ctx, rule)
}

// statusTransitions lists the administrative moves an operator may request.
// Receipt-driven completion is not in this table; the reconciler owns it.
var statusTransitions = map[string][]string{
	db.CampaignPaused:    {db.CampaignRunning},
	db.CampaignRunning:   {db.CampaignPaused},
	db.CampaignCancelled: {db.CampaignDraft, db.CampaignRunning, db.CampaignPaused},
}

// SetStatus applies an administrative status change: pause, resume, cancel.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, to string) (*db.Campaign, error) {
	from, ok := statusTransitions[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an operator transition", ErrBadTransition, to)
	}
	if err := s.store.SetCampaignStatus(ctx, id, from, to); err != nil {
		return nil, err
	}
	return s.store.GetCampaign(ctx, id)
}

// StatsReport pairs the live counters with counts re-derived from the
// delivery log. The two agree in steady state; divergence means receipts are
// still in flight.
type StatsReport struct {
	CampaignID   uuid.UUID        `json:"campaign_id"`
	Status       string           `json:"status"`
	AudienceSize int              `json:"audience_size"`
	Stats        db.CampaignStats `json:"stats"`
	Derived      db.OutcomeCounts `json:"derived"`
}

// Stats returns the campaign's counter block alongside log-derived counts.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*StatsReport, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	derived, err := s.store.CountDeliveryOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatsReport{
		CampaignID:   c.ID,
		Status:       c.Status,
		AudienceSize: c.AudienceSize,
		Stats:        c.Stats,
		Derived:      derived,
	}, nil
}

// Deliveries lists a campaign's delivery log entries.
func (s *Service) Deliveries(ctx context.Context, id uuid.UUID, limit, offset int) ([]*db.DeliveryLog, error) {
	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListDeliveryLogsByCampaign(ctx, id, limit, offset)
}
