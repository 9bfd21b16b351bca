package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordCampaignLaunched(t *testing.T) {
	RecordCampaignLaunched("email")
	RecordCampaignLaunched("sms")
}

func TestRecordMessageDispatched(t *testing.T) {
	RecordMessageDispatched("email", "accepted")
	RecordMessageDispatched("sms", "rejected")
}

func TestRecordReceipts(t *testing.T) {
	RecordReceiptApplied("sent")
	RecordReceiptApplied("delivered")
	RecordReceiptDropped("no_effect")
	RecordReceiptDropped("unknown_status")
}

func TestRecordRetriesSwept(t *testing.T) {
	RecordRetriesSwept(0)
	RecordRetriesSwept(12)
}

func TestRecordTrackingEvent(t *testing.T) {
	RecordTrackingEvent("open")
	RecordTrackingEvent("click")
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
	RecordIdempotencyHit()
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("10.0.0.1")
}

func TestGauges(t *testing.T) {
	SetSQSMessagesInFlight(10)
	SetSQSMessagesInFlight(0)
	SetDBConnections(25)
}

func TestHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/covered", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("middleware altered status: got %d", rec.Code)
	}
}
