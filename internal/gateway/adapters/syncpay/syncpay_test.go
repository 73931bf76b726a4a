package syncpay

import (
	"testing"

	"github.com/vendazap/vendazap/internal/gateway/domain"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"paid_out", domain.StatusPaid},
		{"paid", domain.StatusPaid},
		{"confirmed", domain.StatusPaid},
		{"APPROVED", domain.StatusPaid},
		{"cancelled", domain.StatusFailed},
		{"expired", domain.StatusFailed},
		{"failed", domain.StatusFailed},
		{"waiting", domain.StatusPending},
		{"", domain.StatusPending},
	}
	for _, tt := range tests {
		if got := normalizeStatus(tt.raw); got != tt.want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestParseWebhookNestedData(t *testing.T) {
	adapter := New(nil)
	payload := []byte(`{"data":{"id":"tx_1","status":"approved","amount":"19,90","metadata":{"webhook_token":"wt_abc"}}}`)

	event, err := adapter.ParseWebhook(payload, nil)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.GatewayTransactionID != "tx_1" {
		t.Fatalf("transaction id = %q", event.GatewayTransactionID)
	}
	if event.Status != domain.StatusPaid {
		t.Fatalf("status = %q, want paid", event.Status)
	}
	if event.Amount != 1990 {
		t.Fatalf("amount = %d, want 1990", event.Amount)
	}
	if event.WebhookToken != "wt_abc" {
		t.Fatalf("webhook token = %q", event.WebhookToken)
	}
}

func TestParseWebhookMissingID(t *testing.T) {
	adapter := New(nil)
	if _, err := adapter.ParseWebhook([]byte(`{"status":"paid"}`), nil); err == nil {
		t.Fatal("expected error for payload without transaction id")
	}
}

func TestPrepareCredentials(t *testing.T) {
	adapter := New(nil)
	if _, err := adapter.PrepareCredentials(map[string]string{"client_id": "id"}); err == nil {
		t.Fatal("expected error for missing client_secret")
	}
	creds, err := adapter.PrepareCredentials(map[string]string{"client_id": " id ", "client_secret": "sec"})
	if err != nil {
		t.Fatalf("PrepareCredentials: %v", err)
	}
	if creds["client_id"] != "id" {
		t.Fatalf("client_id = %q", creds["client_id"])
	}
}
