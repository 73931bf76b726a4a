package adapters

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/vendazap/vendazap/internal/gateway/domain"
)

type stubAdapter struct{ typ string }

func (s *stubAdapter) Type() string { return s.typ }
func (s *stubAdapter) CreatePix(context.Context, domain.Credentials, *domain.CreatePixRequest) (*domain.CreatePixResult, error) {
	return nil, nil
}
func (s *stubAdapter) VerifyCredentials(context.Context, domain.Credentials) error { return nil }
func (s *stubAdapter) ParseWebhook([]byte, url.Values) (*domain.WebhookEvent, error) {
	return nil, nil
}
func (s *stubAdapter) PrepareCredentials(map[string]string) (domain.Credentials, error) {
	return nil, nil
}

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry(&stubAdapter{typ: "SyncPay"}, nil, &stubAdapter{typ: " "})

	if !registry.Exists("syncpay") {
		t.Fatal("expected syncpay to exist")
	}
	if !registry.Exists("  SYNCPAY  ") {
		t.Fatal("lookup should be case and space insensitive")
	}

	adapter, err := registry.Get("syncpay")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if adapter.Type() != "SyncPay" {
		t.Fatalf("unexpected adapter %q", adapter.Type())
	}

	if _, err := registry.Get("nope"); !errors.Is(err, domain.ErrUnknownGateway) {
		t.Fatalf("expected ErrUnknownGateway, got %v", err)
	}
	if len(registry.Types()) != 1 {
		t.Fatalf("expected 1 registered type, got %d", len(registry.Types()))
	}
}
