package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrNotDraft is returned when a draft-only operation targets a campaign that
// has already left draft.
var ErrNotDraft = errors.New("campaign is not in draft")

// Repository handles database operations for campaigns, delivery logs, and the
// customer read model.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const campaignColumns = `
	id, name, description, message_template, rule, channel, type, status,
	audience_size, stats_sent, stats_delivered, stats_failed, stats_pending,
	scheduled_at, started_at, completed_at, created_at, updated_at
`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	var rule []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.Description, &c.MessageTemplate, &rule,
		&c.Channel, &c.Type, &c.Status,
		&c.AudienceSize, &c.Stats.Sent, &c.Stats.Delivered, &c.Stats.Failed, &c.Stats.Pending,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Rule = json.RawMessage(rule)
	return &c, nil
}

// CreateCampaign inserts a new campaign in draft state.
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, name, description, message_template, rule, channel, type,
			status, audience_size, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		c.ID, c.Name, c.Description, c.MessageTemplate, []byte(c.Rule),
		c.Channel, c.Type, c.Status, c.AudienceSize, c.ScheduledAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create campaign",
			zap.Error(err),
			zap.String("campaign_id", c.ID.String()),
		)
		return fmt.Errorf("insert campaign: %w", err)
	}

	r.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("name", c.Name),
		zap.String("channel", c.Channel),
	)

	return nil
}

// GetCampaign retrieves a campaign by ID.
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns retrieves campaigns newest-first with pagination.
func (r *Repository) ListCampaigns(ctx context.Context, limit, offset int) ([]*Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return campaigns, nil
}

// UpdateDraftCampaign updates the editable fields of a campaign while it is
// still in draft. The rule is immutable after launch, so the status guard is
// part of the statement.
func (r *Repository) UpdateDraftCampaign(ctx context.Context, c *Campaign) error {
	query := `
		UPDATE campaigns
		SET name = $2, description = $3, message_template = $4, rule = $5,
		    channel = $6, type = $7, scheduled_at = $8, updated_at = NOW()
		WHERE id = $1 AND status = $9
	`

	result, err := r.db.Pool().Exec(ctx, query,
		c.ID, c.Name, c.Description, c.MessageTemplate, []byte(c.Rule),
		c.Channel, c.Type, c.ScheduledAt, CampaignDraft,
	)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}

	if result.RowsAffected() == 0 {
		if _, err := r.GetCampaign(ctx, c.ID); err != nil {
			return err
		}
		return ErrNotDraft
	}

	return nil
}

// DeleteDraftCampaign deletes a campaign that has not been launched.
func (r *Repository) DeleteDraftCampaign(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM campaigns WHERE id = $1 AND status = $2`, id, CampaignDraft)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}

	if result.RowsAffected() == 0 {
		if _, err := r.GetCampaign(ctx, id); err != nil {
			return err
		}
		return ErrNotDraft
	}

	r.logger.Info("draft campaign deleted", zap.String("campaign_id", id.String()))
	return nil
}

// LaunchCampaign transitions draft -> running and records the audience-size
// snapshot that serves as the denominator for the rest of the dispatch. The
// draft guard is inside the statement so a double launch loses the race
// cleanly instead of re-running dispatch.
func (r *Repository) LaunchCampaign(ctx context.Context, id uuid.UUID, audienceSize int) (*Campaign, error) {
	query := `
		UPDATE campaigns
		SET status = $2,
		    audience_size = CASE WHEN audience_size = 0 THEN $3 ELSE audience_size END,
		    stats_pending = $3,
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING ` + campaignColumns

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query,
		id, CampaignRunning, audienceSize, CampaignDraft))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetCampaign(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotDraft
	}
	if err != nil {
		return nil, fmt.Errorf("launch campaign: %w", err)
	}

	r.logger.Info("campaign launched",
		zap.String("campaign_id", id.String()),
		zap.Int("audience_size", c.AudienceSize),
	)

	return c, nil
}

// SetCampaignStatus applies an administrative transition (pause, resume,
// cancel). The dispatch pipeline itself never calls this.
func (r *Repository) SetCampaignStatus(ctx context.Context, id uuid.UUID, from []string, to string) error {
	query := `
		UPDATE campaigns
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`
	result, err := r.db.Pool().Exec(ctx, query, id, to, from)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetCampaign(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("campaign %s: invalid transition to %s", id, to)
	}
	return nil
}

// StatsDelta describes counter adjustments from one recorded outcome.
// Exactly one outcome is recorded per call site; the delta form exists so a
// terminal failure of an already-counted sent message reclassifies (sent-1,
// failed+1) in the same atomic statement instead of double counting.
type StatsDelta struct {
	Sent      int
	Delivered int
	Failed    int
	Pending   int
}

// ApplyCampaignDelta atomically applies a counter delta and folds the
// completion check into the same statement: exactly one concurrent recording
// observes the threshold crossing and flips running -> completed.
// Returns the campaign status after the update.
func (r *Repository) ApplyCampaignDelta(ctx context.Context, id uuid.UUID, d StatsDelta) (string, error) {
	query := `
		UPDATE campaigns
		SET stats_sent      = stats_sent + $2,
		    stats_delivered = stats_delivered + $3,
		    stats_failed    = stats_failed + $4,
		    stats_pending   = GREATEST(stats_pending + $5, 0),
		    completed_at = CASE
		        WHEN status = $6 AND stats_sent + $2 + stats_failed + $4 >= audience_size
		        THEN NOW() ELSE completed_at END,
		    status = CASE
		        WHEN status = $6 AND stats_sent + $2 + stats_failed + $4 >= audience_size
		        THEN $7 ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING status
	`

	var status string
	err := r.db.Pool().QueryRow(ctx, query,
		id, d.Sent, d.Delivered, d.Failed, d.Pending,
		CampaignRunning, CampaignCompleted,
	).Scan(&status)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("apply campaign delta: %w", err)
	}

	return status, nil
}

// OutcomeCounts is the per-status breakdown derived from the delivery log.
type OutcomeCounts struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// CountDeliveryOutcomes re-derives campaign counters from the authoritative
// per-message log. A terminal failure is bounced, or failed with no retry
// scheduled; engagement refinements count as delivered.
func (r *Repository) CountDeliveryOutcomes(ctx context.Context, campaignID uuid.UUID) (OutcomeCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE sent_at IS NOT NULL
				AND NOT (status = $2 OR (status = $3 AND next_retry_at IS NULL))),
			COUNT(*) FILTER (WHERE status IN ($4, $5, $6)),
			COUNT(*) FILTER (WHERE status = $2 OR (status = $3 AND next_retry_at IS NULL)),
			COUNT(*) FILTER (WHERE sent_at IS NULL
				AND NOT (status = $2 OR (status = $3 AND next_retry_at IS NULL)))
		FROM delivery_logs
		WHERE campaign_id = $1
	`

	var c OutcomeCounts
	err := r.db.Pool().QueryRow(ctx, query,
		campaignID, DeliveryBounced, DeliveryFailed,
		DeliveryDelivered, DeliveryOpened, DeliveryClicked,
	).Scan(&c.Sent, &c.Delivered, &c.Failed, &c.Pending)
	if err != nil {
		return OutcomeCounts{}, fmt.Errorf("count delivery outcomes: %w", err)
	}
	return c, nil
}

// ReplaceCampaignStats overwrites the aggregate counters with log-derived
// values. Used by the reconciliation job to repair drift; the completion
// check is re-evaluated under the same statement.
func (r *Repository) ReplaceCampaignStats(ctx context.Context, id uuid.UUID, c OutcomeCounts) error {
	query := `
		UPDATE campaigns
		SET stats_sent = $2, stats_delivered = $3, stats_failed = $4, stats_pending = $5,
		    completed_at = CASE
		        WHEN status = $6 AND $2 + $4 >= audience_size THEN NOW()
		        ELSE completed_at END,
		    status = CASE
		        WHEN status = $6 AND $2 + $4 >= audience_size THEN $7
		        ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query,
		id, c.Sent, c.Delivered, c.Failed, c.Pending,
		CampaignRunning, CampaignCompleted,
	)
	if err != nil {
		return fmt.Errorf("replace campaign stats: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListActiveCampaignIDs returns ids of campaigns whose counters can still
// change, for the reconciliation sweep.
func (r *Repository) ListActiveCampaignIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT id FROM campaigns WHERE status = $1`, CampaignRunning)
	if err != nil {
		return nil, fmt.Errorf("query active campaigns: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
