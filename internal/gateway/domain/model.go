package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Gateway types supported by the orchestrator.
const (
	TypeSyncPay     = "syncpay"
	TypePushynPay   = "pushynpay"
	TypeParadise    = "paradise"
	TypeWiinPay     = "wiinpay"
	TypeAtomoPay    = "atomopay"
	TypeUmbrellaPag = "umbrellapag"
	TypeOrionPay    = "orionpay"
)

// Normalized webhook statuses.
const (
	StatusPaid    = "paid"
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Credentials are the decrypted secret fields an adapter needs.
type Credentials map[string]string

// Customer identifies the payer on PIX creation.
type Customer struct {
	Name     string
	Email    string
	Phone    string
	Document string
}

// CreatePixRequest is the gateway-agnostic PIX creation input. Amount is
// in centavos.
type CreatePixRequest struct {
	Amount       int64
	Description  string
	PaymentID    string
	WebhookToken string
	WebhookURL   string
	Customer     Customer
	Extras       map[string]string
}

// CreatePixResult is the normalized PIX creation output. PixCode and
// TransactionID are mandatory unless Status is "refused".
type CreatePixResult struct {
	PixCode         string
	QRImageBase64   string
	TransactionID   string
	TransactionHash string
	Status          string
	ErrorMessage    string
}

// WebhookEvent is the canonical payment notification parsed by adapters.
type WebhookEvent struct {
	GatewayType            string
	GatewayTransactionID   string
	GatewayTransactionHash string
	WebhookToken           string
	ExternalReference      string
	Status                 string
	Amount                 int64
	PayerName              string
	PayerDocument          string
	OccurredAt             time.Time
	RawPayload             []byte
}

// GatewayAccount is an owner-scoped gateway configuration. Credential
// fields are vault ciphertext.
type GatewayAccount struct {
	ID            int64          `json:"id" gorm:"primaryKey"`
	OwnerID       int64          `json:"owner_id" gorm:"not null;index:idx_gateway_owner_type"`
	GatewayType   string         `json:"gateway_type" gorm:"type:varchar(32);not null;index:idx_gateway_owner_type"`
	Credentials   datatypes.JSON `json:"-" gorm:"type:jsonb"`
	ProductHash   string         `json:"product_hash,omitempty" gorm:"type:varchar(128)"`
	WebhookSecret string         `json:"-" gorm:"type:varchar(64);uniqueIndex"`
	Priority      int            `json:"priority" gorm:"not null;default:0"`
	Weight        int            `json:"weight" gorm:"not null;default:1"`
	IsActive      bool           `json:"is_active" gorm:"not null;default:true"`
	IsVerified    bool           `json:"is_verified" gorm:"not null;default:false"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (GatewayAccount) TableName() string { return "gateways" }

// ParseAmount normalizes a gateway-reported amount to centavos. Values
// above 1000 with no decimal separator are already cents.
func ParseAmount(raw any) int64 {
	switch v := raw.(type) {
	case nil:
		return 0
	case int64:
		return normalizeWhole(v)
	case int:
		return normalizeWhole(int64(v))
	case float64:
		if v == float64(int64(v)) {
			return normalizeWhole(int64(v))
		}
		return int64(v*100 + 0.5)
	case json.Number:
		return ParseAmount(v.String())
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if strings.ContainsAny(s, ".,") {
			s = strings.ReplaceAll(s, ",", ".")
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0
			}
			return int64(f*100 + 0.5)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0
		}
		return normalizeWhole(n)
	default:
		return 0
	}
}

func normalizeWhole(n int64) int64 {
	if n > 1000 {
		return n
	}
	return n * 100
}
