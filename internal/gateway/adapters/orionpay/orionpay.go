package orionpay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vendazap/vendazap/internal/gateway/domain"
	"github.com/vendazap/vendazap/internal/gateway/httpx"
)

const defaultBaseURL = "https://api.orionpay.com.br"

type Adapter struct {
	http    *httpx.Client
	baseURL string
}

func New(client *httpx.Client) *Adapter {
	return &Adapter{http: client, baseURL: defaultBaseURL}
}

func (a *Adapter) Type() string { return domain.TypeOrionPay }

func (a *Adapter) PrepareCredentials(fields map[string]string) (domain.Credentials, error) {
	secret := strings.TrimSpace(fields["secret_key"])
	if secret == "" {
		return nil, domain.ErrInvalidCredentials
	}
	return domain.Credentials{"secret_key": secret}, nil
}

func (a *Adapter) CreatePix(ctx context.Context, creds domain.Credentials, req *domain.CreatePixRequest) (*domain.CreatePixResult, error) {
	payload := map[string]any{
		"amount":         req.Amount,
		"payment_method": "pix",
		"external_id":    req.PaymentID,
		"postback_url":   req.WebhookURL,
		"metadata": map[string]string{
			"webhook_token": req.WebhookToken,
		},
		"customer": map[string]string{
			"name":     req.Customer.Name,
			"email":    req.Customer.Email,
			"phone":    req.Customer.Phone,
			"document": req.Customer.Document,
		},
		"items": []map[string]any{{
			"title":    req.Description,
			"amount":   req.Amount,
			"quantity": 1,
		}},
	}

	resp, err := a.http.PostJSON(ctx, a.baseURL+"/v1/transactions", a.headers(creds), payload)
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
	if nested := domain.ReadNested(body, "data"); nested != nil {
		data = nested
	}

	status := strings.ToLower(domain.ReadString(data, "status"))
	if status == "refused" {
		return &domain.CreatePixResult{
			Status:       "refused",
			ErrorMessage: domain.ReadString(body, "message", "error"),
		}, nil
	}

	pixCode := domain.ReadString(data, "pix_code", "copy_paste")
	if pix := domain.ReadNested(data, "pix"); pix != nil && pixCode == "" {
		pixCode = domain.ReadString(pix, "qr_code", "emv", "copy_paste")
	}
	txID := domain.ReadString(data, "id", "transaction_id")
	if pixCode == "" || txID == "" {
		return nil, fmt.Errorf("%w: missing pix code or transaction id", domain.ErrContractViolation)
	}

	return &domain.CreatePixResult{
		PixCode:       pixCode,
		QRImageBase64: domain.ReadString(data, "qr_code_base64"),
		TransactionID: txID,
		Status:        "pending",
	}, nil
}

func (a *Adapter) VerifyCredentials(ctx context.Context, creds domain.Credentials) error {
	resp, err := a.http.Get(ctx, a.baseURL+"/v1/transactions?limit=1", a.headers(creds))
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
	if nested := domain.ReadNested(body, "data"); nested != nil {
		data = nested
	}

	txID := domain.ReadString(data, "id", "transaction_id")
	if txID == "" {
		return nil, domain.ErrInvalidPayload
	}

	webhookToken := domain.ReadString(data, "webhook_token")
	if webhookToken == "" {
		if meta := domain.ReadNested(data, "metadata"); meta != nil {
			webhookToken = domain.ReadString(meta, "webhook_token")
		}
	}

	return &domain.WebhookEvent{
		GatewayType:          domain.TypeOrionPay,
		GatewayTransactionID: txID,
		WebhookToken:         webhookToken,
		ExternalReference:    domain.ReadString(data, "external_id", "external_reference"),
		Status:               normalizeStatus(domain.ReadString(data, "status")),
		Amount:               domain.ParseAmount(data["amount"]),
		PayerName:            readCustomer(data, "name"),
		PayerDocument:        readCustomer(data, "document"),
		OccurredAt:           time.Now().UTC(),
		RawPayload:           payload,
	}, nil
}

func readCustomer(data map[string]any, key string) string {
	if customer := domain.ReadNested(data, "customer"); customer != nil {
		return domain.ReadString(customer, key)
	}
	return ""
}

func (a *Adapter) headers(creds domain.Credentials) map[string]string {
	return map[string]string{"Authorization": "Bearer " + creds["secret_key"]}
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "approved":
		return domain.StatusPaid
	case "failed", "cancelled":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}
