package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/metrics"
	"github.com/beaconcrm/beacon/internal/vendor"
)

// ReceiptPublisher forwards receipts to a queue instead of applying them
// inline. The SQS producer implements this.
type ReceiptPublisher interface {
	Publish(ctx context.Context, rcpt vendor.Receipt, source string) (string, error)
}

// defaultClickTarget is where click tracking redirects when the link carries
// no url parameter.
const defaultClickTarget = "https://beacon.local"

// VendorHandler exposes the vendor-facing surface: the send facade, receipt
// webhooks, and tracking endpoints.
type VendorHandler struct {
	logger        *zap.Logger
	adapter       vendor.Adapter
	sink          vendor.ReceiptSink
	publisher     ReceiptPublisher // nil if SQS not configured
	clickFallback string
}

// NewVendorHandler creates vendor-facing handlers. With a non-nil publisher,
// receipts go through the queue; otherwise they are applied inline. An empty
// clickFallback falls back to the built-in default redirect target.
func NewVendorHandler(logger *zap.Logger, adapter vendor.Adapter, sink vendor.ReceiptSink, publisher ReceiptPublisher, clickFallback string) *VendorHandler {
	if clickFallback == "" {
		clickFallback = defaultClickTarget
	}
	return &VendorHandler{
		logger:        logger,
		adapter:       adapter,
		sink:          sink,
		publisher:     publisher,
		clickFallback: clickFallback,
	}
}

// transparent 1x1 GIF served by the open-tracking pixel
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Send handles POST /v1/vendor/send: direct submission of one message to the
// configured vendor. Acceptance means queued; the outcome arrives as a
// receipt.
func (h *VendorHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req vendor.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.MessageID == uuid.Nil || req.Recipient == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "messageId and recipient are required")
		return
	}
	if !h.adapter.SupportsChannel(req.Channel) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unsupported channel", req.Channel)
		return
	}

	if err := h.adapter.Send(r.Context(), req); err != nil {
		h.logger.Warn("vendor send rejected",
			zap.Error(err),
			zap.String("message_id", req.MessageID.String()),
		)
		h.writeError(w, http.StatusBadGateway, "vendor_error", "Vendor rejected the message", "")
		return
	}

	metrics.RecordMessageDispatched(req.Channel, "accepted")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"messageId": req.MessageID.String(),
		"status":    "accepted",
	})
}

// DeliveryReceipt handles POST /v1/vendor/delivery-receipt: one asynchronous
// receipt from the vendor. Unknown message IDs are accepted and dropped
// downstream; rejecting them would only make the vendor retry.
func (h *VendorHandler) DeliveryReceipt(w http.ResponseWriter, r *http.Request) {
	var rcpt vendor.Receipt
	if err := json.NewDecoder(r.Body).Decode(&rcpt); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if rcpt.MessageID == uuid.Nil || rcpt.Status == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "messageId and status are required")
		return
	}

	if err := h.deliver(r.Context(), rcpt); err != nil {
		h.logger.Error("failed to process receipt",
			zap.Error(err),
			zap.String("message_id", rcpt.MessageID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process receipt", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// BatchUpdate handles POST /v1/vendor/batch-update: a batch of receipts with
// per-item outcomes. One bad receipt does not fail the batch. The canonical
// payload key is "updates"; "receipts" is accepted for older callers.
func (h *VendorHandler) BatchUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates  []vendor.Receipt `json:"updates"`
		Receipts []vendor.Receipt `json:"receipts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	updates := req.Updates
	if len(updates) == 0 {
		updates = req.Receipts
	}
	if len(updates) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Empty batch", "updates must be non-empty")
		return
	}

	type itemResult struct {
		MessageID string `json:"messageId"`
		Accepted  bool   `json:"accepted"`
		Error     string `json:"error,omitempty"`
	}

	results := make([]itemResult, 0, len(updates))
	accepted := 0
	for _, rcpt := range updates {
		res := itemResult{MessageID: rcpt.MessageID.String()}
		switch {
		case rcpt.MessageID == uuid.Nil || rcpt.Status == "":
			res.Error = "messageId and status are required"
		default:
			if err := h.deliver(r.Context(), rcpt); err != nil {
				res.Error = "failed to process receipt"
			} else {
				res.Accepted = true
				accepted++
			}
		}
		results = append(results, res)
	}

	h.logger.Info("receipt batch processed",
		zap.Int("total", len(updates)),
		zap.Int("accepted", accepted),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"results":  results,
		"accepted": accepted,
	})
}

// TrackOpen handles GET /v1/vendor/track/open/{messageId}. It always serves
// the pixel; a tracking endpoint must never break an email render, so errors
// are logged and swallowed.
func (h *VendorHandler) TrackOpen(w http.ResponseWriter, r *http.Request) {
	if messageID, err := uuid.Parse(chi.URLParam(r, "messageId")); err == nil {
		metrics.RecordTrackingEvent("open")
		h.track(r.Context(), vendor.Receipt{
			MessageID: messageID,
			Status:    vendor.ReceiptOpened,
			Timestamp: time.Now(),
		})
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)
}

// TrackClick handles GET /v1/vendor/track/click/{messageId}?url=...: records
// the click, then redirects to the target, or to the configured fallback when
// the link carries no url. The click is recorded before the target is
// validated so a mangled link still counts as engagement.
func (h *VendorHandler) TrackClick(w http.ResponseWriter, r *http.Request) {
	if messageID, err := uuid.Parse(chi.URLParam(r, "messageId")); err == nil {
		metrics.RecordTrackingEvent("click")
		h.track(r.Context(), vendor.Receipt{
			MessageID: messageID,
			Status:    vendor.ReceiptClicked,
			Timestamp: time.Now(),
		})
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Redirect(w, r, h.clickFallback, http.StatusFound)
		return
	}

	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid redirect target", "url must be absolute http or https")
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// deliver routes a receipt to the queue when configured, inline otherwise.
func (h *VendorHandler) deliver(ctx context.Context, rcpt vendor.Receipt) error {
	if h.publisher != nil {
		_, err := h.publisher.Publish(ctx, rcpt, "webhook")
		return err
	}
	return h.sink.Apply(ctx, rcpt)
}

func (h *VendorHandler) track(ctx context.Context, rcpt vendor.Receipt) {
	if err := h.deliver(ctx, rcpt); err != nil {
		h.logger.Warn("failed to record tracking event",
			zap.Error(err),
			zap.String("message_id", rcpt.MessageID.String()),
			zap.String("type", rcpt.Status),
		)
	}
}

func (h *VendorHandler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
