package syncpay

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vendazap/vendazap/internal/gateway/domain"
	"github.com/vendazap/vendazap/internal/gateway/httpx"
)

const defaultBaseURL = "https://api.syncpayments.com.br"

type Adapter struct {
	http    *httpx.Client
	baseURL string
}

func New(client *httpx.Client) *Adapter {
	return &Adapter{http: client, baseURL: defaultBaseURL}
}

func (a *Adapter) Type() string { return domain.TypeSyncPay }

func (a *Adapter) PrepareCredentials(fields map[string]string) (domain.Credentials, error) {
	clientID := strings.TrimSpace(fields["client_id"])
	clientSecret := strings.TrimSpace(fields["client_secret"])
	if clientID == "" || clientSecret == "" {
		return nil, domain.ErrInvalidCredentials
	}
	return domain.Credentials{
		"client_id":     clientID,
		"client_secret": clientSecret,
	}, nil
}

func (a *Adapter) CreatePix(ctx context.Context, creds domain.Credentials, req *domain.CreatePixRequest) (*domain.CreatePixResult, error) {
	payload := map[string]any{
		"amount":             float64(req.Amount) / 100,
		"description":        req.Description,
		"external_reference": req.PaymentID,
		"postback_url":       req.WebhookURL,
		"metadata": map[string]string{
			"webhook_token": req.WebhookToken,
		},
		"client": map[string]string{
			"name":     req.Customer.Name,
			"email":    req.Customer.Email,
			"phone":    req.Customer.Phone,
			"document": req.Customer.Document,
		},
	}

	resp, err := a.http.PostJSON(ctx, a.baseURL+"/api/partner/v1/cash-in", a.headers(creds), payload)
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

	status := strings.ToLower(domain.ReadString(body, "status"))
	if status == "refused" {
		return &domain.CreatePixResult{
			Status:       "refused",
			ErrorMessage: domain.ReadString(body, "message", "error"),
		}, nil
	}

	pixCode := domain.ReadString(body, "pix_code", "copy_paste", "paymentCode")
	txID := domain.ReadString(body, "id", "identifier", "transaction_id")
	if pixCode == "" || txID == "" {
		return nil, fmt.Errorf("%w: missing pix_code or transaction id", domain.ErrContractViolation)
	}

	return &domain.CreatePixResult{
		PixCode:         pixCode,
		QRImageBase64:   domain.ReadString(body, "qr_code_base64", "qrcode"),
		TransactionID:   txID,
		TransactionHash: domain.ReadString(body, "hash"),
		Status:          "pending",
	}, nil
}

func (a *Adapter) VerifyCredentials(ctx context.Context, creds domain.Credentials) error {
	resp, err := a.http.Get(ctx, a.baseURL+"/api/partner/v1/balance", a.headers(creds))
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

	txID := domain.ReadString(data, "id", "identifier", "transaction_id")
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
		GatewayType:            domain.TypeSyncPay,
		GatewayTransactionID:   txID,
		GatewayTransactionHash: domain.ReadString(data, "hash"),
		WebhookToken:           webhookToken,
		ExternalReference:      domain.ReadString(data, "external_reference", "reference"),
		Status:                 normalizeStatus(domain.ReadString(data, "status", "payment_status")),
		Amount:                 domain.ParseAmount(data["amount"]),
		PayerName:              domain.ReadString(data, "payer_name", "client_name"),
		PayerDocument:          domain.ReadString(data, "payer_document", "client_document"),
		OccurredAt:             time.Now().UTC(),
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) GetTransaction(ctx context.Context, creds domain.Credentials, transactionID string) (*domain.WebhookEvent, error) {
	resp, err := a.http.Get(ctx, a.baseURL+"/api/partner/v1/transactions/"+url.PathEscape(transactionID), a.headers(creds))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, domain.ErrInvalidPayload
	}
	return a.ParseWebhook(resp.Body, nil)
}

func (a *Adapter) headers(creds domain.Credentials) map[string]string {
	basic := base64.StdEncoding.EncodeToString([]byte(creds["client_id"] + ":" + creds["client_secret"]))
	return map[string]string{"Authorization": "Basic " + basic}
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid_out", "paid", "confirmed", "approved":
		return domain.StatusPaid
	case "cancelled", "expired", "failed":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}
