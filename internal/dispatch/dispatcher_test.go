package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/db"
	"github.com/beaconcrm/beacon/internal/vendor"
)

type fakeStore struct {
	created   []*db.DeliveryLog
	createErr error
	failedIdx []int
	deltas    []db.StatsDelta

	order *[]string
}

func (f *fakeStore) CreateDeliveryLogs(ctx context.Context, entries []*db.DeliveryLog) ([]int, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = entries
	if f.order != nil {
		*f.order = append(*f.order, "create")
	}
	return f.failedIdx, nil
}

func (f *fakeStore) ApplyCampaignDelta(ctx context.Context, id uuid.UUID, d db.StatsDelta) (string, error) {
	f.deltas = append(f.deltas, d)
	return db.CampaignRunning, nil
}

type fakeAdapter struct {
	sent    []vendor.SendRequest
	sendErr error

	order *[]string
}

func (f *fakeAdapter) Send(ctx context.Context, req vendor.SendRequest) error {
	if f.order != nil {
		*f.order = append(*f.order, "send")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeAdapter) SupportsChannel(channel string) bool { return true }
func (f *fakeAdapter) Name() string                        { return "fake" }

type fakeSink struct {
	receipts []vendor.Receipt
}

func (f *fakeSink) Apply(ctx context.Context, rcpt vendor.Receipt) error {
	f.receipts = append(f.receipts, rcpt)
	return nil
}

func testCampaign() *db.Campaign {
	return &db.Campaign{
		ID:              uuid.New(),
		Name:            "Welcome back",
		MessageTemplate: "Hi {name}, you've spent {totalSpent} with us!",
		Channel:         db.ChannelEmail,
		Status:          db.CampaignRunning,
	}
}

func testCustomers(n int) []*db.Customer {
	out := make([]*db.Customer, n)
	for i := range out {
		out[i] = &db.Customer{
			ID:         uuid.New(),
			Name:       "Customer",
			Email:      "customer@example.com",
			Phone:      "+919810000001",
			TotalSpent: 15000,
			VisitCount: 8,
		}
	}
	return out
}

func TestDispatch_LogsPersistedBeforeSend(t *testing.T) {
	var order []string
	store := &fakeStore{order: &order}
	adapter := &fakeAdapter{order: &order}
	d := New(store, adapter, &fakeSink{}, zap.NewNop())

	if err := d.Dispatch(context.Background(), testCampaign(), testCustomers(3)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(order) != 4 || order[0] != "create" {
		t.Fatalf("expected create before any send, got %v", order)
	}
	for _, op := range order[1:] {
		if op != "send" {
			t.Errorf("unexpected op after create: %v", order)
		}
	}
}

func TestDispatch_PersonalizesPerCustomer(t *testing.T) {
	store := &fakeStore{}
	adapter := &fakeAdapter{}
	d := New(store, adapter, &fakeSink{}, zap.NewNop())

	if err := d.Dispatch(context.Background(), testCampaign(), testCustomers(1)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(store.created))
	}
	e := store.created[0]
	want := "Hi Customer, you've spent ₹15,000 with us!"
	if e.Message != want {
		t.Errorf("message = %q, want %q", e.Message, want)
	}
	if e.Status != db.DeliveryPending {
		t.Errorf("status = %q, want pending", e.Status)
	}
	if e.Snapshot.TotalSpent != 15000 || e.Snapshot.VisitCount != 8 {
		t.Errorf("snapshot not captured: %+v", e.Snapshot)
	}
}

func TestDispatch_EmptyAudience(t *testing.T) {
	store := &fakeStore{}
	d := New(store, &fakeAdapter{}, &fakeSink{}, zap.NewNop())

	if err := d.Dispatch(context.Background(), testCampaign(), nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if store.created != nil {
		t.Error("expected no log creation for empty audience")
	}
}

func TestDispatch_CreateError(t *testing.T) {
	createErr := errors.New("insert failed")
	store := &fakeStore{createErr: createErr}
	adapter := &fakeAdapter{}
	d := New(store, adapter, &fakeSink{}, zap.NewNop())

	err := d.Dispatch(context.Background(), testCampaign(), testCustomers(2))
	if !errors.Is(err, createErr) {
		t.Fatalf("expected create error, got %v", err)
	}
	if len(adapter.sent) != 0 {
		t.Error("nothing should be submitted when log creation fails")
	}
}

func TestDispatch_UninsertedEntriesCountedAndSkipped(t *testing.T) {
	store := &fakeStore{failedIdx: []int{1}}
	adapter := &fakeAdapter{}
	d := New(store, adapter, &fakeSink{}, zap.NewNop())

	if err := d.Dispatch(context.Background(), testCampaign(), testCustomers(3)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	want := db.StatsDelta{Failed: 1, Pending: -1}
	if len(store.deltas) != 1 || store.deltas[0] != want {
		t.Errorf("deltas = %v, want [%v]", store.deltas, want)
	}
	if len(adapter.sent) != 2 {
		t.Errorf("expected 2 submissions, got %d", len(adapter.sent))
	}
}

func TestDispatch_RejectionBecomesFailedReceipt(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{}
	adapter := &fakeAdapter{sendErr: errors.New("circuit open")}
	d := New(store, adapter, sink, zap.NewNop())

	if err := d.Dispatch(context.Background(), testCampaign(), testCustomers(2)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(sink.receipts) != 2 {
		t.Fatalf("expected 2 failure receipts, got %d", len(sink.receipts))
	}
	r := sink.receipts[0]
	if r.Status != vendor.ReceiptFailed {
		t.Errorf("receipt status = %q, want failed", r.Status)
	}
	if r.ErrorCode != "SUBMIT_FAILED" {
		t.Errorf("error code = %q, want SUBMIT_FAILED", r.ErrorCode)
	}
}

func TestResubmit(t *testing.T) {
	adapter := &fakeAdapter{}
	d := New(&fakeStore{}, adapter, &fakeSink{}, zap.NewNop())

	entries := []*db.DeliveryLog{
		{MessageID: uuid.New(), Message: "retry me", Channel: db.ChannelEmail, Recipient: "a@example.com"},
		{MessageID: uuid.New(), Message: "retry me too", Channel: db.ChannelEmail, Recipient: "b@example.com"},
	}
	d.Resubmit(context.Background(), entries)

	if len(adapter.sent) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(adapter.sent))
	}
	if adapter.sent[0].Message != "retry me" {
		t.Errorf("rendered message should be reused as-is, got %q", adapter.sent[0].Message)
	}
}

func TestRecipientFor(t *testing.T) {
	withPhone := &db.Customer{Email: "a@example.com", Phone: "+911234567890"}
	withoutPhone := &db.Customer{Email: "a@example.com"}

	tests := []struct {
		channel  string
		customer *db.Customer
		want     string
	}{
		{db.ChannelEmail, withPhone, "a@example.com"},
		{db.ChannelSMS, withPhone, "+911234567890"},
		{db.ChannelWhatsApp, withPhone, "+911234567890"},
		{db.ChannelSMS, withoutPhone, "a@example.com"},
		{db.ChannelPush, withPhone, "a@example.com"},
	}

	for _, tt := range tests {
		if got := recipientFor(tt.channel, tt.customer); got != tt.want {
			t.Errorf("recipientFor(%s) = %q, want %q", tt.channel, got, tt.want)
		}
	}
}
