package sqs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/beaconcrm/beacon/internal/vendor"
)

func TestEnvelope_Roundtrip(t *testing.T) {
	env := Envelope{
		Receipt: vendor.Receipt{
			MessageID:       uuid.New(),
			Status:          vendor.ReceiptDelivered,
			Timestamp:       time.Now().UTC().Truncate(time.Second),
			VendorMessageID: "ses-abc-123",
		},
		Source:     "webhook",
		EnqueuedAt: 1234567890,
	}

	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Receipt.MessageID != env.Receipt.MessageID {
		t.Errorf("message id mismatch: %s != %s", decoded.Receipt.MessageID, env.Receipt.MessageID)
	}
	if decoded.Receipt.Status != vendor.ReceiptDelivered {
		t.Errorf("status mismatch: %s", decoded.Receipt.Status)
	}
	if decoded.Source != "webhook" {
		t.Errorf("source mismatch: %s", decoded.Source)
	}
}
