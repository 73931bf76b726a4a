package atomopay

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vendazap/vendazap/internal/gateway/domain"
	"github.com/vendazap/vendazap/internal/gateway/httpx"
)

const defaultBaseURL = "https://api.atomopay.com.br"

type Adapter struct {
	http    *httpx.Client
	baseURL string
}

func New(client *httpx.Client) *Adapter {
	return &Adapter{http: client, baseURL: defaultBaseURL}
}

func (a *Adapter) Type() string { return domain.TypeAtomoPay }

func (a *Adapter) PrepareCredentials(fields map[string]string) (domain.Credentials, error) {
	token := strings.TrimSpace(fields["api_token"])
	if token == "" {
		return nil, domain.ErrInvalidCredentials
	}
	return domain.Credentials{"api_token": token}, nil
}

func (a *Adapter) CreatePix(ctx context.Context, creds domain.Credentials, req *domain.CreatePixRequest) (*domain.CreatePixResult, error) {
	form := url.Values{}
	form.Set("api_token", creds["api_token"])
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("payment_method", "pix")
	form.Set("postback_url", req.WebhookURL)
	form.Set("external_reference", req.PaymentID)
	form.Set("webhook_token", req.WebhookToken)
	form.Set("customer_name", req.Customer.Name)
	form.Set("customer_email", req.Customer.Email)
	form.Set("customer_document", req.Customer.Document)
	form.Set("description", req.Description)

	resp, err := a.http.PostForm(ctx, a.baseURL+"/api/v1/transactions", nil, form)
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

	pixCode := domain.ReadString(data, "pix_code", "qr_code_text", "copy_paste")
	if pix := domain.ReadNested(data, "pix"); pix != nil && pixCode == "" {
		pixCode = domain.ReadString(pix, "pix_qr_code", "qr_code")
	}
	txHash := domain.ReadString(data, "hash", "transaction_hash")
	txID := domain.ReadString(data, "id", "transaction_id")
	if pixCode == "" || (txHash == "" && txID == "") {
		return nil, fmt.Errorf("%w: missing pix code or transaction reference", domain.ErrContractViolation)
	}

	return &domain.CreatePixResult{
		PixCode:         pixCode,
		TransactionID:   txID,
		TransactionHash: txHash,
		Status:          "pending",
	}, nil
}

func (a *Adapter) VerifyCredentials(ctx context.Context, creds domain.Credentials) error {
	endpoint := fmt.Sprintf("%s/api/v1/transactions?api_token=%s&limit=1", a.baseURL, url.QueryEscape(creds["api_token"]))
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

	return &domain.WebhookEvent{
		GatewayType:            domain.TypeAtomoPay,
		GatewayTransactionID:   txID,
		GatewayTransactionHash: txHash,
		WebhookToken:           domain.ReadString(data, "webhook_token"),
		ExternalReference:      domain.ReadString(data, "external_reference", "reference"),
		Status:                 normalizeStatus(domain.ReadString(data, "status", "payment_status")),
		Amount:                 domain.ParseAmount(data["amount"]),
		PayerName:              domain.ReadString(data, "customer_name", "payer_name"),
		PayerDocument:          domain.ReadString(data, "customer_document", "payer_document"),
		OccurredAt:             time.Now().UTC(),
		RawPayload:             payload,
	}, nil
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "approved", "confirmed":
		return domain.StatusPaid
	case "refused", "failed", "cancelled", "canceled", "expired":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}
