package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/audience"
	"github.com/beaconcrm/beacon/internal/db"
	"github.com/beaconcrm/beacon/internal/dispatch"
	"github.com/beaconcrm/beacon/internal/rules"
	"github.com/beaconcrm/beacon/internal/vendor"
)

var activeRule = json.RawMessage(`{
	"conditions": [{"field": "status", "operator": "eq", "value": "active"}],
	"logic": "AND"
}`)

type mockStore struct {
	campaigns map[uuid.UUID]*db.Campaign

	statusFrom []string
	statusTo   string
	statusErr  error

	launched       *db.Campaign
	launchAudience int

	logs      []*db.DeliveryLog
	outcomes  db.OutcomeCounts
	deleteErr error
}

func newMockStore() *mockStore {
	return &mockStore{campaigns: make(map[uuid.UUID]*db.Campaign)}
}

func (m *mockStore) CreateCampaign(ctx context.Context, c *db.Campaign) error {
	m.campaigns[c.ID] = c
	return nil
}

func (m *mockStore) GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

func (m *mockStore) ListCampaigns(ctx context.Context, limit, offset int) ([]*db.Campaign, error) {
	var out []*db.Campaign
	for _, c := range m.campaigns {
		out = append(out, c)
	}
	return out, nil
}

func (m *mockStore) UpdateDraftCampaign(ctx context.Context, c *db.Campaign) error {
	existing, ok := m.campaigns[c.ID]
	if !ok {
		return db.ErrNotFound
	}
	if existing.Status != db.CampaignDraft {
		return db.ErrNotDraft
	}
	c.Status = existing.Status
	m.campaigns[c.ID] = c
	return nil
}

func (m *mockStore) DeleteDraftCampaign(ctx context.Context, id uuid.UUID) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.campaigns, id)
	return nil
}

func (m *mockStore) LaunchCampaign(ctx context.Context, id uuid.UUID, audienceSize int) (*db.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c.Status = db.CampaignRunning
	c.AudienceSize = audienceSize
	c.Stats.Pending = audienceSize
	m.launched = c
	m.launchAudience = audienceSize
	return c, nil
}

func (m *mockStore) SetCampaignStatus(ctx context.Context, id uuid.UUID, from []string, to string) error {
	if m.statusErr != nil {
		return m.statusErr
	}
	m.statusFrom = from
	m.statusTo = to
	if c, ok := m.campaigns[id]; ok {
		c.Status = to
	}
	return nil
}

func (m *mockStore) CountDeliveryOutcomes(ctx context.Context, campaignID uuid.UUID) (db.OutcomeCounts, error) {
	return m.outcomes, nil
}

func (m *mockStore) ListDeliveryLogsByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*db.DeliveryLog, error) {
	return m.logs, nil
}

type fakeSource struct {
	customers []*db.Customer
}

func (f *fakeSource) ListCustomers(ctx context.Context) ([]*db.Customer, error) {
	return f.customers, nil
}

type fakeLogStore struct {
	created []*db.DeliveryLog
}

func (f *fakeLogStore) CreateDeliveryLogs(ctx context.Context, entries []*db.DeliveryLog) ([]int, error) {
	f.created = entries
	return nil, nil
}

func (f *fakeLogStore) ApplyCampaignDelta(ctx context.Context, id uuid.UUID, d db.StatsDelta) (string, error) {
	return db.CampaignRunning, nil
}

type acceptAllAdapter struct{}

func (acceptAllAdapter) Send(ctx context.Context, req vendor.SendRequest) error { return nil }
func (acceptAllAdapter) SupportsChannel(channel string) bool { return true }
func (acceptAllAdapter) Name() string { return "ok" }

type nopSink struct{}

func (nopSink) Apply(ctx context.Context, rcpt vendor.Receipt) error { return nil }

func newTestService(store *mockStore, customers []*db.Customer) (*Service, *fakeLogStore) {
	logger := zap.NewNop()
	resolver := audience.NewResolver(&fakeSource{customers: customers}, logger)
	logs := &fakeLogStore{}
	dispatcher := dispatch.New(logs, acceptAllAdapter{}, nopSink{}, logger)
	return NewService(store, resolver, dispatcher, logger), logs
}

func activeCustomers(n int) []*db.Customer {
	out := make([]*db.Customer, n)
	for i := range out {
		out[i] = &db.Customer{ID: uuid.New(), Name: "Customer", Email: "c@example.com", Status: db.CustomerActive}
	}
	return out
}

func TestCreate_Draft(t *testing.T) {
	store := newMockStore()
	svc, _ := newTestService(store, nil)

	c, err := svc.Create(context.Background(), CreateInput{
		Name:            "Diwali Sale",
		MessageTemplate: "Hi {name}!",
		Rule:            activeRule,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.Status != db.CampaignDraft {
		t.Errorf("status = %q, want draft", c.Status)
	}
	if c.Channel != db.ChannelEmail {
		t.Errorf("channel should default to email, got %q", c.Channel)
	}
	if c.Type != db.TypePromotional {
		t.Errorf("type should default to promotional, got %q", c.Type)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(newMockStore(), nil)

	tests := []struct {
		name    string
		in      CreateInput
		wantErr error
	}{
		{"missing name", CreateInput{MessageTemplate: "x", Rule: activeRule}, ErrNameRequired},
		{"missing template", CreateInput{Name: "x", Rule: activeRule}, ErrTemplateRequired},
		{"bad channel", CreateInput{Name: "x", MessageTemplate: "x", Channel: "fax", Rule: activeRule}, ErrBadChannel},
		{"bad type", CreateInput{Name: "x", MessageTemplate: "x", Type: "spam", Rule: activeRule}, ErrBadType},
		{"bad rule", CreateInput{Name: "x", MessageTemplate: "x", Rule: json.RawMessage(`{"conditions": [], "logic": "AND"}`)}, rules.ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreate_AndLaunch(t *testing.T) {
	store := newMockStore()
	svc, logs := newTestService(store, activeCustomers(3))

	c, err := svc.Create(context.Background(), CreateInput{
		Name:            "Launch now",
		MessageTemplate: "Hi {name}!",
		Rule:            activeRule,
		Launch:          true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.Status != db.CampaignRunning {
		t.Errorf("status = %q, want running", c.Status)
	}
	if len(logs.created) != 3 {
		t.Errorf("expected 3 delivery logs, got %d", len(logs.created))
	}
}

func TestLaunch(t *testing.T) {
	store := newMockStore()
	svc, logs := newTestService(store, activeCustomers(5))

	draft, err := svc.Create(context.Background(), CreateInput{
		Name: "Sale", MessageTemplate: "Hi {name}!", Rule: activeRule,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	c, err := svc.Launch(context.Background(), draft.ID)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if c.Status != db.CampaignRunning {
		t.Errorf("status = %q, want running", c.Status)
	}
	if c.AudienceSize != 5 {
		t.Errorf("audience size = %d, want 5", c.AudienceSize)
	}
	if len(logs.created) != 5 {
		t.Errorf("expected 5 delivery logs, got %d", len(logs.created))
	}
}

func TestLaunch_NotDraft(t *testing.T) {
	store := newMockStore()
	svc, _ := newTestService(store, nil)

	id := uuid.New()
	store.campaigns[id] = &db.Campaign{ID: id, Status: db.CampaignRunning, Rule: activeRule}

	_, err := svc.Launch(context.Background(), id)
	if !errors.Is(err, db.ErrNotDraft) {
		t.Errorf("Launch() error = %v, want ErrNotDraft", err)
	}
}

func TestLaunch_EmptyAudienceCompletes(t *testing.T) {
	store := newMockStore()
	svc, logs := newTestService(store, nil)

	draft, err := svc.Create(context.Background(), CreateInput{
		Name: "Nobody home", MessageTemplate: "Hi {name}!", Rule: activeRule,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	c, err := svc.Launch(context.Background(), draft.ID)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if c.Status != db.CampaignCompleted {
		t.Errorf("status = %q, want completed", c.Status)
	}
	if len(logs.created) != 0 {
		t.Errorf("no deliveries expected, got %d", len(logs.created))
	}
}

func TestLaunch_NotFound(t *testing.T) {
	svc, _ := newTestService(newMockStore(), nil)

	_, err := svc.Launch(context.Background(), uuid.New())
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Launch() error = %v, want ErrNotFound", err)
	}
}

func TestSetStatus(t *testing.T) {
	tests := []struct {
		name     string
		to       string
		wantFrom []string
		wantErr  error
	}{
		{"pause", db.CampaignPaused, []string{db.CampaignRunning}, nil},
		{"resume", db.CampaignRunning, []string{db.CampaignPaused}, nil},
		{"cancel", db.CampaignCancelled, []string{db.CampaignDraft, db.CampaignRunning, db.CampaignPaused}, nil},
		{"completed is not an operator move", db.CampaignCompleted, nil, ErrBadTransition},
		{"draft is not an operator move", db.CampaignDraft, nil, ErrBadTransition},
		{"unknown status", "archived", nil, ErrBadTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			id := uuid.New()
			store.campaigns[id] = &db.Campaign{ID: id, Status: db.CampaignRunning}
			svc, _ := newTestService(store, nil)

			_, err := svc.SetStatus(context.Background(), id, tt.to)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SetStatus() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetStatus() error = %v", err)
			}
			if store.statusTo != tt.to {
				t.Errorf("statusTo = %q, want %q", store.statusTo, tt.to)
			}
			if len(store.statusFrom) != len(tt.wantFrom) {
				t.Errorf("statusFrom = %v, want %v", store.statusFrom, tt.wantFrom)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	svc, _ := newTestService(newMockStore(), activeCustomers(7))

	p, err := svc.Preview(context.Background(), activeRule)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if p.AudienceSize != 7 {
		t.Errorf("AudienceSize = %d, want 7", p.AudienceSize)
	}
}

func TestPreview_InvalidRule(t *testing.T) {
	svc, _ := newTestService(newMockStore(), nil)

	_, err := svc.Preview(context.Background(), json.RawMessage(`{"logic": "AND"}`))
	if !errors.Is(err, rules.ErrInvalid) {
		t.Errorf("Preview() error = %v, want ErrInvalid", err)
	}
}

func TestStats(t *testing.T) {
	store := newMockStore()
	id := uuid.New()
	store.campaigns[id] = &db.Campaign{
		ID:           id,
		Status:       db.CampaignRunning,
		AudienceSize: 10,
		Stats:        db.CampaignStats{Sent: 8, Delivered: 5, Failed: 1, Pending: 1},
	}
	store.outcomes = db.OutcomeCounts{Sent: 8, Delivered: 5, Failed: 1, Pending: 1}
	svc, _ := newTestService(store, nil)

	report, err := svc.Stats(context.Background(), id)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if report.Stats.Sent != 8 || report.Derived.Sent != 8 {
		t.Errorf("unexpected report: %+v", report)
	}
	if report.AudienceSize != 10 {
		t.Errorf("AudienceSize = %d, want 10", report.AudienceSize)
	}
}

func TestDeliveries_CampaignNotFound(t *testing.T) {
	svc, _ := newTestService(newMockStore(), nil)

	_, err := svc.Deliveries(context.Background(), uuid.New(), 20, 0)
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Deliveries() error = %v, want ErrNotFound", err)
	}
}
