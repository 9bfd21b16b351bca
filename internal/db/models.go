package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Customer is the read model the dispatch pipeline resolves audiences against.
// It is owned by the CRM side; this service only reads it.
type Customer struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Email       string     `json:"email"`
	Phone       string     `json:"phone,omitempty"`
	TotalSpent  float64    `json:"total_spent"`
	VisitCount  int        `json:"visit_count"`
	LastOrderAt *time.Time `json:"last_order_at,omitempty"`
	Status      string     `json:"status"`
	City        string     `json:"city,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Customer lifecycle status constants
const (
	CustomerActive   = "active"
	CustomerInactive = "inactive"
	CustomerChurned  = "churned"
)

// Value category names. Derived from total spend, never stored.
const (
	ValueNew       = "new"
	ValueRegular   = "regular"
	ValueHighValue = "high-value"
	ValuePremium   = "premium"
)

// ValueCategory buckets a customer by lifetime spend.
func (c *Customer) ValueCategory() string {
	switch {
	case c.TotalSpent < 1000:
		return ValueNew
	case c.TotalSpent < 10000:
		return ValueRegular
	case c.TotalSpent < 50000:
		return ValueHighValue
	default:
		return ValuePremium
	}
}

// DaysSinceLastOrder returns -1 when the customer has never ordered.
func (c *Customer) DaysSinceLastOrder(now time.Time) int {
	if c.LastOrderAt == nil {
		return -1
	}
	return int(now.Sub(*c.LastOrderAt).Hours() / 24)
}

// Campaign lifecycle status constants
const (
	CampaignDraft     = "draft"
	CampaignRunning   = "running"
	CampaignCompleted = "completed"
	CampaignPaused    = "paused"
	CampaignCancelled = "cancelled"
)

// Campaign channel constants
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelPush     = "push"
	ChannelWhatsApp = "whatsapp"
)

// Campaign type constants
const (
	TypePromotional   = "promotional"
	TypeTransactional = "transactional"
	TypeReminder      = "reminder"
	TypeWelcome       = "welcome"
	TypeWinback       = "winback"
)

// CampaignStats is the running counter block maintained by the aggregate.
// Invariants: Sent+Failed never exceeds the audience snapshot; Delivered <= Sent.
type CampaignStats struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Campaign represents a campaign with its lifecycle state and counters.
// The audience rule is stored as JSON and is immutable once the campaign
// leaves draft.
type Campaign struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	MessageTemplate string          `json:"message_template"`
	Rule            json.RawMessage `json:"audience_rules"`
	Channel         string          `json:"channel"`
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	AudienceSize    int             `json:"audience_size"`
	Stats           CampaignStats   `json:"stats"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Delivery status constants. Transitions are monotonic:
// pending -> sent -> {delivered, failed, bounced}; delivered -> opened -> clicked.
// failed is retriable while RetryCount < MaxDeliveryRetries; bounced is terminal.
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryBounced   = "bounced"
	DeliveryOpened    = "opened"
	DeliveryClicked   = "clicked"
)

// MaxDeliveryRetries caps the retry bookkeeping on a delivery log entry.
const MaxDeliveryRetries = 3

// PersonalizationSnapshot captures the customer attributes used to render the
// message so a log entry stays self-describing after the customer changes.
type PersonalizationSnapshot struct {
	Name       string  `json:"name"`
	TotalSpent float64 `json:"total_spent"`
	VisitCount int     `json:"visit_count"`
}

// DeliveryLog is the durable per-(campaign, recipient) record of one message's
// lifecycle. Created once at dispatch, mutated only by the receipt reconciler
// and engagement tracking, never deleted in normal operation.
type DeliveryLog struct {
	ID              uuid.UUID               `json:"id"`
	CampaignID      uuid.UUID               `json:"campaign_id"`
	CustomerID      uuid.UUID               `json:"customer_id"`
	MessageID       uuid.UUID               `json:"message_id"`
	Message         string                  `json:"message"`
	Channel         string                  `json:"channel"`
	Recipient       string                  `json:"recipient"`
	Status          string                  `json:"status"`
	Snapshot        PersonalizationSnapshot `json:"snapshot"`
	VendorMessageID *string                 `json:"vendor_message_id,omitempty"`
	VendorResponse  json.RawMessage         `json:"vendor_response,omitempty"`
	ErrorCode       *string                 `json:"error_code,omitempty"`
	ErrorMessage    *string                 `json:"error_message,omitempty"`
	RetryCount      int                     `json:"retry_count"`
	NextRetryAt     *time.Time              `json:"next_retry_at,omitempty"`
	SentAt          *time.Time              `json:"sent_at,omitempty"`
	DeliveredAt     *time.Time              `json:"delivered_at,omitempty"`
	FailedAt        *time.Time              `json:"failed_at,omitempty"`
	OpenedAt        *time.Time              `json:"opened_at,omitempty"`
	ClickedAt       *time.Time              `json:"clicked_at,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// ValidChannel reports whether ch is a supported outbound channel.
func ValidChannel(ch string) bool {
	switch ch {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelWhatsApp:
		return true
	}
	return false
}

// ValidCampaignType reports whether t is a recognized campaign type.
func ValidCampaignType(t string) bool {
	switch t {
	case TypePromotional, TypeTransactional, TypeReminder, TypeWelcome, TypeWinback:
		return true
	}
	return false
}
