package pushynpay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vendazap/vendazap/internal/gateway/domain"
	"github.com/vendazap/vendazap/internal/gateway/httpx"
)

const defaultBaseURL = "https://api.pushinpay.com.br"

type Adapter struct {
	http    *httpx.Client
	baseURL string
}

func New(client *httpx.Client) *Adapter {
	return &Adapter{http: client, baseURL: defaultBaseURL}
}

func (a *Adapter) Type() string { return domain.TypePushynPay }

func (a *Adapter) PrepareCredentials(fields map[string]string) (domain.Credentials, error) {
	token := strings.TrimSpace(fields["api_token"])
	if token == "" {
		token = strings.TrimSpace(fields["token"])
	}
	if token == "" {
		return nil, domain.ErrInvalidCredentials
	}
	return domain.Credentials{"api_token": token}, nil
}

func (a *Adapter) CreatePix(ctx context.Context, creds domain.Credentials, req *domain.CreatePixRequest) (*domain.CreatePixResult, error) {
	payload := map[string]any{
		"value":        req.Amount,
		"webhook_url":  req.WebhookURL,
		"split_rules":  []any{},
		"external_ref": req.PaymentID,
	}

	resp, err := a.http.PostJSON(ctx, a.baseURL+"/api/pix/cashIn", a.headers(creds), payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return nil, domain.ErrInvalidCredentials
	}

	body, err := domain.DecodePayload(resp.Body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable response", domain.ErrContractViolation)
	}

	pixCode := domain.ReadString(body, "qr_code", "pix_code", "copy_paste")
	txID := domain.ReadString(body, "id", "transaction_id")
	if pixCode == "" || txID == "" {
		return nil, fmt.Errorf("%w: missing qr_code or id", domain.ErrContractViolation)
	}

	return &domain.CreatePixResult{
		PixCode:       pixCode,
		QRImageBase64: domain.ReadString(body, "qr_code_base64"),
		TransactionID: txID,
		Status:        "pending",
	}, nil
}

func (a *Adapter) VerifyCredentials(ctx context.Context, creds domain.Credentials) error {
	resp, err := a.http.Get(ctx, a.baseURL+"/api/transactions?limit=1", a.headers(creds))
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return domain.ErrInvalidCredentials
	}
	return nil
}

func (a *Adapter) ParseWebhook(payload []byte, form url.Values) (*domain.WebhookEvent, error) {
	body, err := domain.DecodePayload(payload, form)
	if err != nil {
		return nil, err
	}

	txID := domain.ReadString(body, "id", "transaction_id")
	if txID == "" {
		return nil, domain.ErrInvalidPayload
	}

	return &domain.WebhookEvent{
		GatewayType:          domain.TypePushynPay,
		GatewayTransactionID: strings.ToLower(txID),
		ExternalReference:    domain.ReadString(body, "external_ref", "external_reference"),
		Status:               normalizeStatus(domain.ReadString(body, "status")),
		Amount:               domain.ParseAmount(body["value"]),
		PayerName:            domain.ReadString(body, "payer_name"),
		PayerDocument:        domain.ReadString(body, "payer_national_registration", "payer_document"),
		OccurredAt:           time.Now().UTC(),
		RawPayload:           payload,
	}, nil
}

func (a *Adapter) GetTransaction(ctx context.Context, creds domain.Credentials, transactionID string) (*domain.WebhookEvent, error) {
	resp, err := a.http.Get(ctx, a.baseURL+"/api/transactions/"+url.PathEscape(transactionID), a.headers(creds))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, domain.ErrInvalidPayload
	}
	return a.ParseWebhook(resp.Body, nil)
}

func (a *Adapter) headers(creds domain.Credentials) map[string]string {
	return map[string]string{"Authorization": "Bearer " + creds["api_token"]}
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid":
		return domain.StatusPaid
	case "expired":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}
