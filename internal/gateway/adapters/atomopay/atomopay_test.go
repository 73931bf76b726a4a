package atomopay

import (
	"net/url"
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
		{"refused", domain.StatusFailed},
		{"failed", domain.StatusFailed},
		{"cancelled", domain.StatusFailed},
		{"canceled", domain.StatusFailed},
		{"expired", domain.StatusFailed},
		{"processing", domain.StatusPending},
		{"", domain.StatusPending},
	}
	for _, tt := range tests {
		if got := normalizeStatus(tt.raw); got != tt.want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestParseWebhookFormEncoded(t *testing.T) {
	adapter := New(nil)
	form := url.Values{}
	form.Set("hash", "ah_7")
	form.Set("status", "approved")
	form.Set("amount", "2990")
	form.Set("external_reference", "pay_5")

	event, err := adapter.ParseWebhook(nil, form)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.GatewayTransactionHash != "ah_7" {
		t.Fatalf("hash = %q", event.GatewayTransactionHash)
	}
	if event.Status != domain.StatusPaid {
		t.Fatalf("status = %q", event.Status)
	}
	if event.Amount != 2990 {
		t.Fatalf("amount = %d, want 2990", event.Amount)
	}
}
