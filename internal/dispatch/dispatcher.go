// Package dispatch fans a launched campaign out to its resolved audience. The
// full batch of delivery log entries is persisted before the first vendor
// submission, so an asynchronous receipt always finds its log row.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/db"
	"github.com/beaconcrm/beacon/internal/metrics"
	"github.com/beaconcrm/beacon/internal/personalize"
	"github.com/beaconcrm/beacon/internal/vendor"
)

// LogStore is the slice of the repository the dispatcher needs.
type LogStore interface {
	CreateDeliveryLogs(ctx context.Context, entries []*db.DeliveryLog) ([]int, error)
	ApplyCampaignDelta(ctx context.Context, id uuid.UUID, d db.StatsDelta) (string, error)
}

// Dispatcher personalizes and submits a campaign's messages.
type Dispatcher struct {
	store   LogStore
	adapter vendor.Adapter
	sink    vendor.ReceiptSink
	logger  *zap.Logger
}

func New(store LogStore, adapter vendor.Adapter, sink vendor.ReceiptSink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, adapter: adapter, sink: sink, logger: logger}
}

// Dispatch creates one delivery log entry per customer, persists the whole
// batch, and then submits each message to the vendor. Submission failures are
// recorded as failed receipts so they stay on the normal retry path; a
// customer whose log row could not be inserted is counted failed directly,
// since there is no row for a receipt to land on.
func (d *Dispatcher) Dispatch(ctx context.Context, campaign *db.Campaign, customers []*db.Customer) error {
	if len(customers) == 0 {
		return nil
	}

	entries := make([]*db.DeliveryLog, 0, len(customers))
	for _, c := range customers {
		snapshot := db.PersonalizationSnapshot{
			Name:       c.Name,
			TotalSpent: c.TotalSpent,
			VisitCount: c.VisitCount,
		}
		entries = append(entries, &db.DeliveryLog{
			ID:         uuid.New(),
			CampaignID: campaign.ID,
			CustomerID: c.ID,
			MessageID:  uuid.New(),
			Message:    personalize.Render(campaign.MessageTemplate, snapshot),
			Channel:    campaign.Channel,
			Recipient:  recipientFor(campaign.Channel, c),
			Status:     db.DeliveryPending,
			Snapshot:   snapshot,
		})
	}

	failedIdx, err := d.store.CreateDeliveryLogs(ctx, entries)
	if err != nil {
		return err
	}

	if len(failedIdx) > 0 {
		if _, err := d.store.ApplyCampaignDelta(ctx, campaign.ID, db.StatsDelta{
			Failed:  len(failedIdx),
			Pending: -len(failedIdx),
		}); err != nil {
			d.logger.Error("failed to count uninserted entries",
				zap.Error(err),
				zap.String("campaign_id", campaign.ID.String()),
			)
		}
	}

	skip := make(map[int]bool, len(failedIdx))
	for _, i := range failedIdx {
		skip[i] = true
	}

	for i, e := range entries {
		if skip[i] {
			continue
		}
		d.submit(ctx, e)
	}

	d.logger.Info("campaign dispatched",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("audience", len(customers)),
		zap.Int("uninserted", len(failedIdx)),
	)
	return nil
}

// Resubmit pushes retried delivery entries back through the vendor. The
// message text was rendered at dispatch time and is reused as-is.
func (d *Dispatcher) Resubmit(ctx context.Context, entries []*db.DeliveryLog) {
	for _, e := range entries {
		d.submit(ctx, e)
	}
}

func (d *Dispatcher) submit(ctx context.Context, e *db.DeliveryLog) {
	err := d.adapter.Send(ctx, vendor.SendRequest{
		MessageID: e.MessageID,
		Message:   e.Message,
		Channel:   e.Channel,
		Recipient: e.Recipient,
	})
	if err == nil {
		metrics.RecordMessageDispatched(e.Channel, "accepted")
		return
	}

	metrics.RecordMessageDispatched(e.Channel, "rejected")
	d.logger.Warn("vendor rejected submission",
		zap.Error(err),
		zap.String("message_id", e.MessageID.String()),
	)

	// Route the rejection through the receipt path so retry bookkeeping and
	// campaign counters are handled in one place.
	if sinkErr := d.sink.Apply(ctx, vendor.Receipt{
		MessageID:    e.MessageID,
		Status:       vendor.ReceiptFailed,
		Timestamp:    time.Now(),
		ErrorCode:    "SUBMIT_FAILED",
		ErrorMessage: err.Error(),
	}); sinkErr != nil {
		d.logger.Error("failed to record submission failure",
			zap.Error(sinkErr),
			zap.String("message_id", e.MessageID.String()),
		)
	}
}

func recipientFor(channel string, c *db.Customer) string {
	switch channel {
	case db.ChannelSMS, db.ChannelWhatsApp:
		if c.Phone != "" {
			return c.Phone
		}
	}
	return c.Email
}
