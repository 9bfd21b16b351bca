package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const deliveryColumns = `
	id, campaign_id, customer_id, message_id, message, channel, recipient,
	status, snapshot, vendor_message_id, vendor_response, error_code, error_message,
	retry_count, next_retry_at, sent_at, delivered_at, failed_at, opened_at, clicked_at,
	created_at, updated_at
`

func scanDeliveryLog(row pgx.Row) (*DeliveryLog, error) {
	var d DeliveryLog
	var snapshot, vendorResp []byte
	err := row.Scan(
		&d.ID, &d.CampaignID, &d.CustomerID, &d.MessageID, &d.Message, &d.Channel, &d.Recipient,
		&d.Status, &snapshot, &d.VendorMessageID, &vendorResp, &d.ErrorCode, &d.ErrorMessage,
		&d.RetryCount, &d.NextRetryAt, &d.SentAt, &d.DeliveredAt, &d.FailedAt, &d.OpenedAt, &d.ClickedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &d.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	d.VendorResponse = json.RawMessage(vendorResp)
	return &d, nil
}

// CreateDeliveryLogs bulk-inserts the full audience's log entries in one batch
// before any vendor submission is issued, so a receipt can never arrive ahead
// of its own log record. Returns the indexes of entries that failed to insert;
// one bad record does not block the rest of the batch.
func (r *Repository) CreateDeliveryLogs(ctx context.Context, entries []*DeliveryLog) ([]int, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO delivery_logs (
			id, campaign_id, customer_id, message_id, message, channel,
			recipient, status, snapshot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	batch := &pgx.Batch{}
	for _, e := range entries {
		snapshot, err := json.Marshal(e.Snapshot)
		if err != nil {
			snapshot = []byte(`{}`)
		}
		batch.Queue(query,
			e.ID, e.CampaignID, e.CustomerID, e.MessageID, e.Message, e.Channel,
			e.Recipient, e.Status, snapshot,
		)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	var failed []int
	for i := range entries {
		if _, err := results.Exec(); err != nil {
			r.logger.Error("failed to insert delivery log",
				zap.Error(err),
				zap.String("message_id", entries[i].MessageID.String()),
				zap.String("campaign_id", entries[i].CampaignID.String()),
			)
			failed = append(failed, i)
		}
	}

	r.logger.Info("delivery logs created",
		zap.String("campaign_id", entries[0].CampaignID.String()),
		zap.Int("total", len(entries)),
		zap.Int("failed", len(failed)),
	)

	return failed, nil
}

// GetDeliveryLogByMessageID retrieves a log entry by its message identifier.
func (r *Repository) GetDeliveryLogByMessageID(ctx context.Context, messageID uuid.UUID) (*DeliveryLog, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_logs WHERE message_id = $1`

	d, err := scanDeliveryLog(r.db.Pool().QueryRow(ctx, query, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery log %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	return d, nil
}

// ListDeliveryLogsByCampaign retrieves a campaign's log entries with pagination.
func (r *Repository) ListDeliveryLogsByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*DeliveryLog, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM delivery_logs
		WHERE campaign_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []*DeliveryLog
	for rows.Next() {
		d, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		logs = append(logs, d)
	}
	return logs, rows.Err()
}

// TransitionResult reports what a conditional status transition did. When
// Applied is false the receipt was stale, duplicated, or targeted an unknown
// message; the caller must not touch aggregate counters.
type TransitionResult struct {
	Applied        bool
	CampaignID     uuid.UUID
	PrevStatus     string
	FirstSent      bool // sent had not been counted before this transition
	FirstDelivered bool
	RetryCount     int
	Terminal       bool
	NextRetryAt    *time.Time
}

// MarkSent applies a sent receipt. Only a pending entry can move to sent, so
// re-applying the same receipt affects zero rows and is reported as not
// applied. That property is what makes receipt handling idempotent.
func (r *Repository) MarkSent(ctx context.Context, messageID uuid.UUID, ts time.Time, vendorMessageID *string, vendorResponse json.RawMessage) (TransitionResult, error) {
	query := `
		WITH prev AS (
			SELECT id, status, sent_at FROM delivery_logs
			WHERE message_id = $1 FOR UPDATE
		)
		UPDATE delivery_logs d
		SET status = $2,
		    sent_at = COALESCE(d.sent_at, $3),
		    vendor_message_id = COALESCE($4, d.vendor_message_id),
		    vendor_response = COALESCE($5, d.vendor_response),
		    next_retry_at = NULL,
		    updated_at = NOW()
		FROM prev
		WHERE d.id = prev.id AND prev.status = $6
		RETURNING d.campaign_id, prev.status, prev.sent_at IS NULL
	`

	var res TransitionResult
	err := r.db.Pool().QueryRow(ctx, query,
		messageID, DeliverySent, ts, vendorMessageID, []byte(vendorResponse), DeliveryPending,
	).Scan(&res.CampaignID, &res.PrevStatus, &res.FirstSent)
	if errors.Is(err, pgx.ErrNoRows) {
		return TransitionResult{}, nil
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("mark sent: %w", err)
	}

	res.Applied = true
	return res, nil
}

// MarkDelivered applies a delivered receipt. A pending entry is accepted too:
// that covers a lost sent receipt, in which case the sent leg is counted here.
func (r *Repository) MarkDelivered(ctx context.Context, messageID uuid.UUID, ts time.Time, vendorMessageID *string) (TransitionResult, error) {
	query := `
		WITH prev AS (
			SELECT id, status, sent_at, delivered_at FROM delivery_logs
			WHERE message_id = $1 FOR UPDATE
		)
		UPDATE delivery_logs d
		SET status = $2,
		    sent_at = COALESCE(d.sent_at, $3),
		    delivered_at = COALESCE(d.delivered_at, $3),
		    vendor_message_id = COALESCE($4, d.vendor_message_id),
		    next_retry_at = NULL,
		    updated_at = NOW()
		FROM prev
		WHERE d.id = prev.id AND prev.status = ANY($5)
		RETURNING d.campaign_id, prev.status, prev.sent_at IS NULL, prev.delivered_at IS NULL
	`

	var res TransitionResult
	err := r.db.Pool().QueryRow(ctx, query,
		messageID, DeliveryDelivered, ts, vendorMessageID,
		[]string{DeliveryPending, DeliverySent},
	).Scan(&res.CampaignID, &res.PrevStatus, &res.FirstSent, &res.FirstDelivered)
	if errors.Is(err, pgx.ErrNoRows) {
		return TransitionResult{}, nil
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("mark delivered: %w", err)
	}

	res.Applied = true
	return res, nil
}

// RetryBackoff returns the wait before the next attempt once the retry count
// has reached n, doubling per attempt from the base. ok is false when n
// exhausts the retry budget and the entry is terminal.
func RetryBackoff(n int, base time.Duration) (delay time.Duration, ok bool) {
	if n <= 0 || n >= MaxDeliveryRetries {
		return 0, false
	}
	return base << n, true
}

// retrySchedule flattens RetryBackoff into per-count delays in seconds, ready
// to be indexed by retry count inside a statement. Entry i is the wait after
// the count reaches i+1.
func retrySchedule(base time.Duration) []float64 {
	var secs []float64
	for n := 1; ; n++ {
		delay, ok := RetryBackoff(n, base)
		if !ok {
			return secs
		}
		secs = append(secs, delay.Seconds())
	}
}

// MarkFailed applies a failed or bounced receipt. The retry increment and the
// terminal decision run inside the statement against the locked previous row,
// so concurrent receipts for the same message cannot both apply; the backoff
// waits come from the RetryBackoff schedule, indexed by the new retry count.
func (r *Repository) MarkFailed(ctx context.Context, messageID uuid.UUID, ts time.Time, errCode, errMsg *string, bounced bool, baseRetryDelay time.Duration) (TransitionResult, error) {
	query := `
		WITH prev AS (
			SELECT id, status, sent_at, retry_count FROM delivery_logs
			WHERE message_id = $1 FOR UPDATE
		)
		UPDATE delivery_logs d
		SET status = CASE WHEN $2 THEN $3 ELSE $4 END,
		    failed_at = $5,
		    error_code = COALESCE($6, d.error_code),
		    error_message = COALESCE($7, d.error_message),
		    retry_count = LEAST(prev.retry_count + 1, $8),
		    next_retry_at = CASE
		        WHEN $2 OR prev.retry_count + 1 >= $8 THEN NULL
		        ELSE $5 + make_interval(secs => ($9::double precision[])[prev.retry_count + 1])
		    END,
		    updated_at = NOW()
		FROM prev
		WHERE d.id = prev.id AND prev.status = ANY($10)
		RETURNING d.campaign_id, prev.status, prev.sent_at IS NULL, d.retry_count, d.next_retry_at
	`

	var res TransitionResult
	err := r.db.Pool().QueryRow(ctx, query,
		messageID, bounced, DeliveryBounced, DeliveryFailed, ts,
		errCode, errMsg, MaxDeliveryRetries, retrySchedule(baseRetryDelay),
		[]string{DeliveryPending, DeliverySent},
	).Scan(&res.CampaignID, &res.PrevStatus, &res.FirstSent, &res.RetryCount, &res.NextRetryAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TransitionResult{}, nil
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("mark failed: %w", err)
	}

	res.Applied = true
	res.Terminal = res.NextRetryAt == nil
	return res, nil
}

// MarkOpened records an open engagement event. Engagement refines delivered
// and never touches campaign counters.
func (r *Repository) MarkOpened(ctx context.Context, messageID uuid.UUID, ts time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE delivery_logs
		SET status = $2, opened_at = COALESCE(opened_at, $3), updated_at = NOW()
		WHERE message_id = $1 AND status = $4
	`, messageID, DeliveryOpened, ts, DeliveryDelivered)
	if err != nil {
		return false, fmt.Errorf("mark opened: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkClicked records a click engagement event. A click on a message with no
// prior open implies the open.
func (r *Repository) MarkClicked(ctx context.Context, messageID uuid.UUID, ts time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE delivery_logs
		SET status = $2,
		    opened_at = COALESCE(opened_at, $3),
		    clicked_at = COALESCE(clicked_at, $3),
		    updated_at = NOW()
		WHERE message_id = $1 AND status = ANY($4)
	`, messageID, DeliveryClicked, ts, []string{DeliveryDelivered, DeliveryOpened})
	if err != nil {
		return false, fmt.Errorf("mark clicked: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ClaimRetryEligible atomically claims failed entries whose backoff has
// elapsed and flips them back to pending for resubmission. SKIP LOCKED keeps
// concurrent sweepers from claiming the same rows.
func (r *Repository) ClaimRetryEligible(ctx context.Context, limit int) ([]*DeliveryLog, error) {
	query := `
		UPDATE delivery_logs
		SET status = $1, next_retry_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM delivery_logs
			WHERE status = $2
			  AND next_retry_at IS NOT NULL
			  AND next_retry_at <= NOW()
			  AND retry_count < $3
			ORDER BY next_retry_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deliveryColumns

	rows, err := r.db.Pool().Query(ctx, query,
		DeliveryPending, DeliveryFailed, MaxDeliveryRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("claim retry eligible: %w", err)
	}
	defer rows.Close()

	var logs []*DeliveryLog
	for rows.Next() {
		d, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		logs = append(logs, d)
	}
	return logs, rows.Err()
}
