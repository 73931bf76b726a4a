package orionpay

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
		{"failed", domain.StatusFailed},
		{"cancelled", domain.StatusFailed},
		{"refused", domain.StatusPending},
		{"waiting", domain.StatusPending},
		{"", domain.StatusPending},
	}
	for _, tt := range tests {
		if got := normalizeStatus(tt.raw); got != tt.want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestParseWebhook(t *testing.T) {
	adapter := New(nil)
	payload := []byte(`{"data":{"id":"or_1","status":"paid","amount":4990,"external_id":"pay_7","customer":{"name":"Caio","document":"11122233344"}}}`)

	event, err := adapter.ParseWebhook(payload, nil)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.GatewayTransactionID != "or_1" {
		t.Fatalf("transaction id = %q", event.GatewayTransactionID)
	}
	if event.ExternalReference != "pay_7" {
		t.Fatalf("external reference = %q", event.ExternalReference)
	}
	if event.Status != domain.StatusPaid {
		t.Fatalf("status = %q", event.Status)
	}
	if event.Amount != 4990 {
		t.Fatalf("amount = %d, want 4990", event.Amount)
	}
}
