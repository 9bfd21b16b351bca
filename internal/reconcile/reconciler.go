// Package reconcile applies asynchronous vendor receipts to the delivery log
// and keeps campaign counters consistent with it. Receipts arrive out of
// order, delayed, and duplicated; every transition is a conditional update
// against the previous state, so re-applying a receipt is a no-op and
// counters are adjusted at most once per outcome.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/db"
	"github.com/beaconcrm/beacon/internal/metrics"
	"github.com/beaconcrm/beacon/internal/vendor"
)

// BaseRetryDelay is the backoff base for a retriable send failure. The wait
// doubles with each attempt.
const BaseRetryDelay = 5 * time.Minute

// DeliveryStore is the slice of the repository the reconciler needs.
type DeliveryStore interface {
	MarkSent(ctx context.Context, messageID uuid.UUID, ts time.Time, vendorMessageID *string, vendorResponse json.RawMessage) (db.TransitionResult, error)
	MarkDelivered(ctx context.Context, messageID uuid.UUID, ts time.Time, vendorMessageID *string) (db.TransitionResult, error)
	MarkFailed(ctx context.Context, messageID uuid.UUID, ts time.Time, errCode, errMsg *string, bounced bool, baseRetryDelay time.Duration) (db.TransitionResult, error)
	MarkOpened(ctx context.Context, messageID uuid.UUID, ts time.Time) (bool, error)
	MarkClicked(ctx context.Context, messageID uuid.UUID, ts time.Time) (bool, error)
	ApplyCampaignDelta(ctx context.Context, id uuid.UUID, d db.StatsDelta) (string, error)
	CountDeliveryOutcomes(ctx context.Context, campaignID uuid.UUID) (db.OutcomeCounts, error)
	ReplaceCampaignStats(ctx context.Context, id uuid.UUID, c db.OutcomeCounts) error
	ListActiveCampaignIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Reconciler consumes vendor receipts. It implements vendor.ReceiptSink.
type Reconciler struct {
	store  DeliveryStore
	logger *zap.Logger
}

func New(store DeliveryStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Apply processes one receipt. Receipts for unknown messages and receipts
// that would move a delivery backwards are logged and dropped; they never
// produce an error, because the vendor will only retry what we reject.
func (rc *Reconciler) Apply(ctx context.Context, rcpt vendor.Receipt) error {
	ts := rcpt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var (
		res db.TransitionResult
		err error
	)

	switch rcpt.Status {
	case vendor.ReceiptSent:
		res, err = rc.store.MarkSent(ctx, rcpt.MessageID, ts, optional(rcpt.VendorMessageID), nil)
	case vendor.ReceiptDelivered:
		res, err = rc.store.MarkDelivered(ctx, rcpt.MessageID, ts, optional(rcpt.VendorMessageID))
	case vendor.ReceiptFailed, vendor.ReceiptBounced:
		res, err = rc.store.MarkFailed(ctx, rcpt.MessageID, ts,
			optional(rcpt.ErrorCode), optional(rcpt.ErrorMessage),
			rcpt.Status == vendor.ReceiptBounced, BaseRetryDelay)
	case vendor.ReceiptOpened:
		return rc.applyEngagement(ctx, rcpt, ts, rc.store.MarkOpened)
	case vendor.ReceiptClicked:
		return rc.applyEngagement(ctx, rcpt, ts, rc.store.MarkClicked)
	default:
		rc.logger.Warn("receipt with unknown status dropped",
			zap.String("message_id", rcpt.MessageID.String()),
			zap.String("status", rcpt.Status),
		)
		metrics.RecordReceiptDropped("unknown_status")
		return nil
	}

	if err != nil {
		return fmt.Errorf("apply %s receipt: %w", rcpt.Status, err)
	}

	if !res.Applied {
		rc.logger.Debug("receipt had no effect",
			zap.String("message_id", rcpt.MessageID.String()),
			zap.String("status", rcpt.Status),
		)
		metrics.RecordReceiptDropped("no_effect")
		return nil
	}

	metrics.RecordReceiptApplied(rcpt.Status)
	return rc.applyCounters(ctx, rcpt, res)
}

// applyCounters translates one applied transition into a campaign counter
// delta. Sent is counted exactly once per message, on the first transition
// that proves vendor acceptance; a terminal failure reclassifies the message
// out of whichever bucket held it.
func (rc *Reconciler) applyCounters(ctx context.Context, rcpt vendor.Receipt, res db.TransitionResult) error {
	var delta db.StatsDelta

	switch rcpt.Status {
	case vendor.ReceiptSent:
		if !res.FirstSent {
			return nil
		}
		delta = db.StatsDelta{Sent: 1, Pending: -1}

	case vendor.ReceiptDelivered:
		if !res.FirstDelivered {
			return nil
		}
		delta = db.StatsDelta{Delivered: 1}
		if res.FirstSent {
			// The sent receipt never arrived; count that leg here.
			delta.Sent = 1
			delta.Pending = -1
		}

	case vendor.ReceiptFailed, vendor.ReceiptBounced:
		if !res.Terminal {
			// Retriable failure. The message is still in flight from the
			// campaign's point of view, so counters do not move.
			return nil
		}
		delta = db.StatsDelta{Failed: 1}
		if res.FirstSent {
			delta.Pending = -1
		} else {
			// The sent leg was counted on an earlier receipt; a terminal
			// failure reclassifies the message from sent to failed.
			delta.Sent = -1
		}
	}

	status, err := rc.store.ApplyCampaignDelta(ctx, res.CampaignID, delta)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			rc.logger.Warn("receipt for missing campaign, counters dropped",
				zap.String("campaign_id", res.CampaignID.String()),
				zap.String("message_id", rcpt.MessageID.String()),
			)
			return nil
		}
		return fmt.Errorf("apply campaign delta: %w", err)
	}

	if status == db.CampaignCompleted {
		rc.logger.Info("campaign completed",
			zap.String("campaign_id", res.CampaignID.String()),
		)
		metrics.RecordCampaignCompleted()
	}
	return nil
}

func (rc *Reconciler) applyEngagement(ctx context.Context, rcpt vendor.Receipt, ts time.Time, mark func(context.Context, uuid.UUID, time.Time) (bool, error)) error {
	applied, err := mark(ctx, rcpt.MessageID, ts)
	if err != nil {
		return fmt.Errorf("apply %s receipt: %w", rcpt.Status, err)
	}
	if !applied {
		rc.logger.Debug("engagement receipt had no effect",
			zap.String("message_id", rcpt.MessageID.String()),
			zap.String("status", rcpt.Status),
		)
		metrics.RecordReceiptDropped("no_effect")
		return nil
	}
	metrics.RecordReceiptApplied(rcpt.Status)
	return nil
}

// RederiveStats recomputes every active campaign's counters from the delivery
// log. Counter drift should not happen; when it does, the log wins.
func (rc *Reconciler) RederiveStats(ctx context.Context) error {
	ids, err := rc.store.ListActiveCampaignIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active campaigns: %w", err)
	}

	for _, id := range ids {
		counts, err := rc.store.CountDeliveryOutcomes(ctx, id)
		if err != nil {
			rc.logger.Error("failed to derive outcome counts",
				zap.Error(err),
				zap.String("campaign_id", id.String()),
			)
			continue
		}
		if err := rc.store.ReplaceCampaignStats(ctx, id, counts); err != nil {
			rc.logger.Error("failed to replace campaign stats",
				zap.Error(err),
				zap.String("campaign_id", id.String()),
			)
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
