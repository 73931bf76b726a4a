package umbrellapag

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vendazap/vendazap/internal/gateway/domain"
	"github.com/vendazap/vendazap/internal/gateway/httpx"
)

const defaultBaseURL = "https://api.umbrellapag.com"

type Adapter struct {
	http    *httpx.Client
	baseURL string
}

func New(client *httpx.Client) *Adapter {
	return &Adapter{http: client, baseURL: defaultBaseURL}
}

func (a *Adapter) Type() string { return domain.TypeUmbrellaPag }

func (a *Adapter) PrepareCredentials(fields map[string]string) (domain.Credentials, error) {
	apiKey := strings.TrimSpace(fields["api_key"])
	if apiKey == "" {
		return nil, domain.ErrInvalidCredentials
	}
	return domain.Credentials{"api_key": apiKey}, nil
}

func (a *Adapter) CreatePix(ctx context.Context, creds domain.Credentials, req *domain.CreatePixRequest) (*domain.CreatePixResult, error) {
	payload := map[string]any{
		"amount":        req.Amount,
		"paymentMethod": "PIX",
		"externalRef":   req.PaymentID,
		"postbackUrl":   req.WebhookURL,
		"metadata": map[string]string{
			"webhook_token": req.WebhookToken,
		},
		"customer": map[string]any{
			"name":  req.Customer.Name,
			"email": req.Customer.Email,
			"phone": req.Customer.Phone,
			"document": map[string]string{
				"type":   "CPF",
				"number": req.Customer.Document,
			},
		},
		"items": []map[string]any{{
			"title":      req.Description,
			"unitPrice":  req.Amount,
			"quantity":   1,
			"tangible":   false,
			"externalId": req.PaymentID,
		}},
	}

	resp, err := a.http.PostJSON(ctx, a.baseURL+"/api/user/transactions", a.headers(creds), payload)
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

	pixCode := domain.ReadString(data, "pixCode", "pix_code", "copyPaste")
	if pix := domain.ReadNested(data, "pix"); pix != nil && pixCode == "" {
		pixCode = domain.ReadString(pix, "qrcode", "qrCodeText", "copyPaste")
	}
	txID := domain.ReadString(data, "id", "transactionId", "secureId")
	if pixCode == "" || txID == "" {
		return nil, fmt.Errorf("%w: missing pix code or transaction id", domain.ErrContractViolation)
	}

	return &domain.CreatePixResult{
		PixCode:       pixCode,
		TransactionID: txID,
		Status:        "pending",
	}, nil
}

func (a *Adapter) VerifyCredentials(ctx context.Context, creds domain.Credentials) error {
	resp, err := a.http.Get(ctx, a.baseURL+"/api/user/transactions?limit=1", a.headers(creds))
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

	txID := domain.ReadString(data, "id", "transactionId", "secureId")
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
		GatewayType:          domain.TypeUmbrellaPag,
		GatewayTransactionID: txID,
		WebhookToken:         webhookToken,
		ExternalReference:    domain.ReadString(data, "externalRef", "external_reference"),
		Status:               normalizeStatus(domain.ReadString(data, "status")),
		Amount:               domain.ParseAmount(data["amount"]),
		PayerName:            readCustomer(data, "name"),
		PayerDocument:        readCustomerDocument(data),
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

func readCustomerDocument(data map[string]any) string {
	customer := domain.ReadNested(data, "customer")
	if customer == nil {
		return ""
	}
	if doc := domain.ReadNested(customer, "document"); doc != nil {
		return domain.ReadString(doc, "number")
	}
	return domain.ReadString(customer, "document")
}

func (a *Adapter) headers(creds domain.Credentials) map[string]string {
	return map[string]string{"x-api-key": creds["api_key"]}
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "approved":
		return domain.StatusPaid
	case "failed", "refused", "cancelled":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}
