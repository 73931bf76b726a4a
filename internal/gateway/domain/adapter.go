package domain

import (
	"context"
	"net/url"
)

// Adapter is the capability bundle one payment gateway implements.
type Adapter interface {
	// Type returns the gateway type identifier.
	Type() string

	// CreatePix requests a PIX charge. Implementations must return
	// ErrGatewayUnavailable on transport failure and
	// ErrContractViolation when the response lacks a pix code for a
	// non-refused status.
	CreatePix(ctx context.Context, creds Credentials, req *CreatePixRequest) (*CreatePixResult, error)

	// VerifyCredentials checks that the credentials are usable.
	VerifyCredentials(ctx context.Context, creds Credentials) error

	// ParseWebhook normalizes a raw callback body. form is non-nil when
	// the request was form-encoded.
	ParseWebhook(payload []byte, form url.Values) (*WebhookEvent, error)

	// PrepareCredentials selects the secret fields this adapter needs
	// from the decrypted gateway record.
	PrepareCredentials(fields map[string]string) (Credentials, error)
}

// TransactionFetcher is implemented by adapters whose gateway exposes a
// transaction status query, enabling reconciliation.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, creds Credentials, transactionID string) (*WebhookEvent, error)
}
