package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/vendor"
)

type recordingSink struct {
	receipts []vendor.Receipt
	err      error
}

func (s *recordingSink) Apply(ctx context.Context, rcpt vendor.Receipt) error {
	if s.err != nil {
		return s.err
	}
	s.receipts = append(s.receipts, rcpt)
	return nil
}

type stubAdapter struct {
	sendErr  error
	channels map[string]bool
}

func (a *stubAdapter) Send(ctx context.Context, req vendor.SendRequest) error { return a.sendErr }
func (a *stubAdapter) SupportsChannel(channel string) bool {
	if a.channels == nil {
		return true
	}
	return a.channels[channel]
}
func (a *stubAdapter) Name() string { return "stub" }

type recordingPublisher struct {
	receipts []vendor.Receipt
	sources  []string
}

func (p *recordingPublisher) Publish(ctx context.Context, rcpt vendor.Receipt, source string) (string, error) {
	p.receipts = append(p.receipts, rcpt)
	p.sources = append(p.sources, source)
	return "msg-1", nil
}

func newVendorRouter(adapter vendor.Adapter, sink vendor.ReceiptSink, publisher ReceiptPublisher) *chi.Mux {
	h := NewVendorHandler(zap.NewNop(), adapter, sink, publisher, "")

	r := chi.NewRouter()
	r.Post("/v1/vendor/send", h.Send)
	r.Post("/v1/vendor/delivery-receipt", h.DeliveryReceipt)
	r.Post("/v1/vendor/batch-update", h.BatchUpdate)
	r.Get("/v1/vendor/track/open/{messageId}", h.TrackOpen)
	r.Get("/v1/vendor/track/click/{messageId}", h.TrackClick)
	return r
}

func TestVendorSend(t *testing.T) {
	router := newVendorRouter(&stubAdapter{}, &recordingSink{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/vendor/send", map[string]any{
		"messageId": uuid.NewString(),
		"message":    "hello",
		"channel":    "email",
		"recipient":  "a@example.com",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
}

func TestVendorSend_MissingFields(t *testing.T) {
	router := newVendorRouter(&stubAdapter{}, &recordingSink{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/vendor/send", map[string]any{
		"channel": "email",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestVendorSend_UnsupportedChannel(t *testing.T) {
	router := newVendorRouter(&stubAdapter{channels: map[string]bool{"email": true}}, &recordingSink{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/vendor/send", map[string]any{
		"messageId": uuid.NewString(),
		"channel":    "carrier-pigeon",
		"recipient":  "a@example.com",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestVendorSend_Rejected(t *testing.T) {
	router := newVendorRouter(&stubAdapter{sendErr: errors.New("circuit open")}, &recordingSink{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/vendor/send", map[string]any{
		"messageId": uuid.NewString(),
		"channel":    "email",
		"recipient":  "a@example.com",
	})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestDeliveryReceipt(t *testing.T) {
	sink := &recordingSink{}
	router := newVendorRouter(&stubAdapter{}, sink, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/vendor/delivery-receipt", map[string]any{
		"messageId": uuid.NewString(),
		"status":     "delivered",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	if len(sink.receipts) != 1 {
		t.Fatalf("sink received %d receipts, want 1", len(sink.receipts))
	}
	if sink.receipts[0].Status != vendor.ReceiptDelivered {
		t.Errorf("receipt status = %q", sink.receipts[0].Status)
	}
}

func TestDeliveryReceipt_MissingStatus(t *testing.T) {
	router := newVendorRouter(&stubAdapter{}, &recordingSink{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/vendor/delivery-receipt", map[string]any{
		"messageId": uuid.NewString(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDeliveryReceipt_UsesPublisherWhenConfigured(t *testing.T) {
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	router := newVendorRouter(&stubAdapter{}, sink, pub)

	rec := doJSON(t, router, http.MethodPost, "/v1/vendor/delivery-receipt", map[string]any{
		"messageId": uuid.NewString(),
		"status":     "sent",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(pub.receipts) != 1 || len(sink.receipts) != 0 {
		t.Errorf("expected receipt via publisher only (pub=%d sink=%d)", len(pub.receipts), len(sink.receipts))
	}
	if pub.sources[0] != "webhook" {
		t.Errorf("source = %q, want webhook", pub.sources[0])
	}
}

func TestBatchUpdate_PerItemOutcomes(t *testing.T) {
	sink := &recordingSink{}
	router := newVendorRouter(&stubAdapter{}, sink, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/vendor/batch-update", map[string]any{
		"updates": []map[string]any{
			{"messageId": uuid.NewString(), "status": "sent"},
			{"messageId": uuid.Nil.String(), "status": "sent"},
			{"messageId": uuid.NewString(), "status": "delivered"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Accepted int `json:"accepted"`
		Results  []struct {
			Accepted bool   `json:"accepted"`
			Error    string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", body.Accepted)
	}
	if len(body.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(body.Results))
	}
	if body.Results[1].Accepted || body.Results[1].Error == "" {
		t.Errorf("invalid item should carry an error: %+v", body.Results[1])
	}
	if len(sink.receipts) != 2 {
		t.Errorf("sink received %d receipts, want 2", len(sink.receipts))
	}
}

func TestBatchUpdate_LegacyReceiptsKey(t *testing.T) {
	sink := &recordingSink{}
	router := newVendorRouter(&stubAdapter{}, sink, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/vendor/batch-update", map[string]any{
		"receipts": []map[string]any{
			{"messageId": uuid.NewString(), "status": "sent"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if len(sink.receipts) != 1 {
		t.Errorf("sink received %d receipts, want 1", len(sink.receipts))
	}
}

func TestBatchUpdate_EmptyBatch(t *testing.T) {
	router := newVendorRouter(&stubAdapter{}, &recordingSink{}, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/vendor/batch-update", map[string]any{
		"updates": []any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTrackOpen(t *testing.T) {
	sink := &recordingSink{}
	router := newVendorRouter(&stubAdapter{}, sink, nil)

	messageID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/vendor/track/open/%s", messageID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/gif" {
		t.Errorf("content type = %q, want image/gif", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), pixelGIF) {
		t.Error("body is not the tracking pixel")
	}
	if len(sink.receipts) != 1 || sink.receipts[0].Status != vendor.ReceiptOpened {
		t.Errorf("expected one opened receipt, got %v", sink.receipts)
	}
}

func TestTrackOpen_BadIDStillServesPixel(t *testing.T) {
	sink := &recordingSink{}
	router := newVendorRouter(&stubAdapter{}, sink, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/vendor/track/open/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even for a bad id", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), pixelGIF) {
		t.Error("body is not the tracking pixel")
	}
	if len(sink.receipts) != 0 {
		t.Errorf("no receipt expected for a bad id, got %v", sink.receipts)
	}
}

func TestTrackOpen_SinkErrorStillServesPixel(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	router := newVendorRouter(&stubAdapter{}, sink, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/vendor/track/open/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 despite sink error", rec.Code)
	}
}

func TestTrackClick(t *testing.T) {
	sink := &recordingSink{}
	router := newVendorRouter(&stubAdapter{}, sink, nil)

	messageID := uuid.New()
	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/v1/vendor/track/click/%s?url=https%%3A%%2F%%2Fshop.example.com%%2Fsale", messageID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://shop.example.com/sale" {
		t.Errorf("location = %q", loc)
	}
	if len(sink.receipts) != 1 || sink.receipts[0].Status != vendor.ReceiptClicked {
		t.Errorf("expected one clicked receipt, got %v", sink.receipts)
	}
}

func TestTrackClick_MissingURLRedirectsToFallback(t *testing.T) {
	sink := &recordingSink{}
	router := newVendorRouter(&stubAdapter{}, sink, nil)

	messageID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/vendor/track/click/"+messageID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != defaultClickTarget {
		t.Errorf("location = %q, want %q", loc, defaultClickTarget)
	}
	if len(sink.receipts) != 1 || sink.receipts[0].Status != vendor.ReceiptClicked {
		t.Errorf("expected one clicked receipt, got %v", sink.receipts)
	}
}

func TestTrackClick_ConfiguredFallback(t *testing.T) {
	h := NewVendorHandler(zap.NewNop(), &stubAdapter{}, &recordingSink{}, nil, "https://shop.example.com")
	r := chi.NewRouter()
	r.Get("/v1/vendor/track/click/{messageId}", h.TrackClick)

	req := httptest.NewRequest(http.MethodGet, "/v1/vendor/track/click/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://shop.example.com" {
		t.Errorf("location = %q", loc)
	}
}

func TestTrackClick_BadTargetStillRecordsClick(t *testing.T) {
	sink := &recordingSink{}
	router := newVendorRouter(&stubAdapter{}, sink, nil)

	tests := []string{
		"/v1/vendor/track/click/" + uuid.NewString() + "?url=javascript%3Aalert(1)",
		"/v1/vendor/track/click/" + uuid.NewString() + "?url=%2Frelative",
	}
	for _, path := range tests {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
	if len(sink.receipts) != len(tests) {
		t.Errorf("sink received %d receipts, want %d", len(sink.receipts), len(tests))
	}
}
