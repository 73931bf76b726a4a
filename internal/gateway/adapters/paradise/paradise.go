package paradise

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vendazap/vendazap/internal/gateway/domain"
	"github.com/vendazap/vendazap/internal/gateway/httpx"
)

const defaultBaseURL = "https://api.paradisepagbr.com"

type Adapter struct {
	http    *httpx.Client
	baseURL string
}

func New(client *httpx.Client) *Adapter {
	return &Adapter{http: client, baseURL: defaultBaseURL}
}

func (a *Adapter) Type() string { return domain.TypeParadise }

func (a *Adapter) PrepareCredentials(fields map[string]string) (domain.Credentials, error) {
	token := strings.TrimSpace(fields["api_token"])
	offerHash := strings.TrimSpace(fields["offer_hash"])
	if offerHash == "" {
		offerHash = strings.TrimSpace(fields["product_hash"])
	}
	if token == "" || offerHash == "" {
		return nil, domain.ErrInvalidCredentials
	}
	return domain.Credentials{
		"api_token":  token,
		"offer_hash": offerHash,
	}, nil
}

func (a *Adapter) CreatePix(ctx context.Context, creds domain.Credentials, req *domain.CreatePixRequest) (*domain.CreatePixResult, error) {
	payload := map[string]any{
		"amount":         req.Amount,
		"offer_hash":     creds["offer_hash"],
		"payment_method": "pix",
		"postback_url":   req.WebhookURL,
		"tracking": map[string]string{
			"external_reference": req.PaymentID,
			"webhook_token":      req.WebhookToken,
		},
		"customer": map[string]string{
			"name":          req.Customer.Name,
			"email":         req.Customer.Email,
			"phone_number":  req.Customer.Phone,
			"document":      req.Customer.Document,
			"document_type": "cpf",
		},
		"cart": []map[string]any{{
			"title":    req.Description,
			"price":    req.Amount,
			"quantity": 1,
		}},
	}

	endpoint := fmt.Sprintf("%s/api/public/v1/transactions?api_token=%s", a.baseURL, url.QueryEscape(creds["api_token"]))
	resp, err := a.http.PostJSON(ctx, endpoint, nil, payload)
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

	status := strings.ToLower(domain.ReadString(body, "status", "payment_status"))
	if status == "refused" {
		return &domain.CreatePixResult{
			Status:       "refused",
			ErrorMessage: domain.ReadString(body, "message", "error"),
		}, nil
	}

	pixCode := pixCodeFrom(body)
	txHash := domain.ReadString(body, "hash", "transaction_hash")
	if pixCode == "" || txHash == "" {
		return nil, fmt.Errorf("%w: missing pix code or hash", domain.ErrContractViolation)
	}

	return &domain.CreatePixResult{
		PixCode:         pixCode,
		TransactionID:   domain.ReadString(body, "id", "transaction_id"),
		TransactionHash: txHash,
		Status:          "pending",
	}, nil
}

func pixCodeFrom(body map[string]any) string {
	if pix := domain.ReadNested(body, "pix"); pix != nil {
		if code := domain.ReadString(pix, "pix_qr_code", "qr_code", "copy_paste"); code != "" {
			return code
		}
	}
	return domain.ReadString(body, "pix_qr_code", "qr_code", "copy_paste")
}

func (a *Adapter) VerifyCredentials(ctx context.Context, creds domain.Credentials) error {
	endpoint := fmt.Sprintf("%s/api/public/v1/transactions?api_token=%s&limit=1", a.baseURL, url.QueryEscape(creds["api_token"]))
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
	if nested := domain.ReadNested(body, "transaction"); nested != nil {
		data = nested
	}

	txHash := domain.ReadString(data, "hash", "transaction_hash")
	txID := domain.ReadString(data, "id", "transaction_id")
	if txHash == "" && txID == "" {
		return nil, domain.ErrInvalidPayload
	}

	externalRef := domain.ReadString(data, "external_reference")
	webhookToken := domain.ReadString(data, "webhook_token")
	if tracking := domain.ReadNested(data, "tracking"); tracking != nil {
		if externalRef == "" {
			externalRef = domain.ReadString(tracking, "external_reference")
		}
		if webhookToken == "" {
			webhookToken = domain.ReadString(tracking, "webhook_token")
		}
	}

	return &domain.WebhookEvent{
		GatewayType:            domain.TypeParadise,
		GatewayTransactionID:   txID,
		GatewayTransactionHash: txHash,
		WebhookToken:           webhookToken,
		ExternalReference:      externalRef,
		Status:                 normalizeStatus(domain.ReadString(data, "payment_status", "status")),
		Amount:                 domain.ParseAmount(data["amount"]),
		PayerName:              readCustomer(data, "name"),
		PayerDocument:          readCustomer(data, "document"),
		OccurredAt:             time.Now().UTC(),
		RawPayload:             payload,
	}, nil
}

func readCustomer(data map[string]any, key string) string {
	if customer := domain.ReadNested(data, "customer"); customer != nil {
		return domain.ReadString(customer, key)
	}
	return ""
}

func (a *Adapter) GetTransaction(ctx context.Context, creds domain.Credentials, transactionID string) (*domain.WebhookEvent, error) {
	endpoint := fmt.Sprintf("%s/api/public/v1/transactions/%s?api_token=%s",
		a.baseURL, url.PathEscape(transactionID), url.QueryEscape(creds["api_token"]))
	resp, err := a.http.Get(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, domain.ErrInvalidPayload
	}
	return a.ParseWebhook(resp.Body, nil)
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "paid", "confirmed":
		return domain.StatusPaid
	case "refunded":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}
