package wiinpay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vendazap/vendazap/internal/gateway/domain"
	"github.com/vendazap/vendazap/internal/gateway/httpx"
)

const defaultBaseURL = "https://api.wiinpay.com.br"

type Adapter struct {
	http    *httpx.Client
	baseURL string
}

func New(client *httpx.Client) *Adapter {
	return &Adapter{http: client, baseURL: defaultBaseURL}
}

func (a *Adapter) Type() string { return domain.TypeWiinPay }

func (a *Adapter) PrepareCredentials(fields map[string]string) (domain.Credentials, error) {
	apiKey := strings.TrimSpace(fields["api_key"])
	if apiKey == "" {
		return nil, domain.ErrInvalidCredentials
	}
	return domain.Credentials{"api_key": apiKey}, nil
}

func (a *Adapter) CreatePix(ctx context.Context, creds domain.Credentials, req *domain.CreatePixRequest) (*domain.CreatePixResult, error) {
	payload := map[string]any{
		"api_key":            creds["api_key"],
		"value":              float64(req.Amount) / 100,
		"description":        req.Description,
		"external_reference": req.PaymentID,
		"webhook_url":        req.WebhookURL,
		"name":               req.Customer.Name,
		"email":              req.Customer.Email,
	}

	resp, err := a.http.PostJSON(ctx, a.baseURL+"/v1/payment/create", nil, payload)
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
	data := body
	if nested := domain.ReadNested(body, "payment"); nested != nil {
		data = nested
	}

	pixCode := domain.ReadString(data, "pix_code", "copy_paste", "qr_code_text")
	txID := domain.ReadString(data, "payment_id", "id", "transaction_id")
	if pixCode == "" || txID == "" {
		return nil, fmt.Errorf("%w: missing pix_code or payment_id", domain.ErrContractViolation)
	}

	return &domain.CreatePixResult{
		PixCode:       pixCode,
		QRImageBase64: domain.ReadString(data, "qr_code_base64", "qr_code"),
		TransactionID: txID,
		Status:        "pending",
	}, nil
}

func (a *Adapter) VerifyCredentials(ctx context.Context, creds domain.Credentials) error {
	endpoint := fmt.Sprintf("%s/v1/user/balance?api_key=%s", a.baseURL, url.QueryEscape(creds["api_key"]))
	resp, err := a.http.Get(ctx, endpoint, nil)
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
	data := body
	if nested := domain.ReadNested(body, "payment"); nested != nil {
		data = nested
	}

	txID := domain.ReadString(data, "payment_id", "id", "transaction_id")
	if txID == "" {
		return nil, domain.ErrInvalidPayload
	}

	return &domain.WebhookEvent{
		GatewayType:          domain.TypeWiinPay,
		GatewayTransactionID: txID,
		ExternalReference:    domain.ReadString(data, "external_reference", "reference"),
		Status:               normalizeStatus(domain.ReadString(data, "status")),
		Amount:               domain.ParseAmount(data["value"]),
		PayerName:            domain.ReadString(data, "name", "payer_name"),
		PayerDocument:        domain.ReadString(data, "document", "payer_document"),
		OccurredAt:           time.Now().UTC(),
		RawPayload:           payload,
	}, nil
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "approved", "confirmed":
		return domain.StatusPaid
	case "cancelled", "canceled", "failed", "expired":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}
