package pushynpay

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
		{"PAID", domain.StatusPaid},
		{"expired", domain.StatusFailed},
		{"approved", domain.StatusPending},
		{"created", domain.StatusPending},
		{"", domain.StatusPending},
	}
	for _, tt := range tests {
		if got := normalizeStatus(tt.raw); got != tt.want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestParseWebhookLowercasesID(t *testing.T) {
	adapter := New(nil)
	payload := []byte(`{"id":"9C9D6AFD-DB67-4A6B","status":"paid","value":1990}`)

	event, err := adapter.ParseWebhook(payload, nil)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.GatewayTransactionID != "9c9d6afd-db67-4a6b" {
		t.Fatalf("transaction id = %q, want lowercased", event.GatewayTransactionID)
	}
	if event.Amount != 1990 {
		t.Fatalf("amount = %d, want 1990", event.Amount)
	}
}

func TestPrepareCredentialsAcceptsLegacyField(t *testing.T) {
	adapter := New(nil)
	creds, err := adapter.PrepareCredentials(map[string]string{"token": "tk"})
	if err != nil {
		t.Fatalf("PrepareCredentials: %v", err)
	}
	if creds["api_token"] != "tk" {
		t.Fatalf("api_token = %q", creds["api_token"])
	}
}
