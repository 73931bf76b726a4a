package wiinpay

import (
	"testing"

	"github.com/vendazap/vendazap/internal/gateway/domain"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"paid", domain.StatusPaid},
		{"approved", domain.StatusPaid},
		{"confirmed", domain.StatusPaid},
		{"cancelled", domain.StatusFailed},
		{"canceled", domain.StatusFailed},
		{"failed", domain.StatusFailed},
		{"expired", domain.StatusFailed},
		{"pending", domain.StatusPending},
		{"", domain.StatusPending},
	}
	for _, tt := range tests {
		if got := normalizeStatus(tt.raw); got != tt.want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestParseWebhookReaisValue(t *testing.T) {
	adapter := New(nil)
	payload := []byte(`{"payment":{"payment_id":"wp_1","status":"paid","value":19.9,"external_reference":"pay_3"}}`)

	event, err := adapter.ParseWebhook(payload, nil)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.GatewayTransactionID != "wp_1" {
		t.Fatalf("transaction id = %q", event.GatewayTransactionID)
	}
	if event.Amount != 1990 {
		t.Fatalf("amount = %d, want 1990", event.Amount)
	}
	if event.ExternalReference != "pay_3" {
		t.Fatalf("external reference = %q", event.ExternalReference)
	}
}
