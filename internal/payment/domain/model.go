package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Payment statuses.
const (
	StatusPending   = "pending"
	StatusPaid      = "paid"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
	StatusRefunded  = "refunded"
)

// CanTransition reports whether a status change is allowed. Pending may
// become paid, failed, expired or cancelled; paid may only be refunded.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		switch to {
		case StatusPaid, StatusFailed, StatusExpired, StatusCancelled:
			return true
		}
	case StatusPaid:
		return to == StatusRefunded
	}
	return false
}

// Payment is one PIX charge and its full attribution context.
type Payment struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	PaymentID string       `json:"payment_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	OwnerID   int64        `json:"owner_id" gorm:"not null;index"`
	BotID     int64        `json:"bot_id" gorm:"not null;index"`
	GatewayID int64        `json:"gateway_id" gorm:"not null"`

	GatewayType            string `json:"gateway_type" gorm:"type:varchar(32);not null;index:idx_payments_gateway_tx,priority:1"`
	GatewayTransactionID   string `json:"gateway_transaction_id,omitempty" gorm:"type:varchar(128);index:idx_payments_gateway_tx,priority:2"`
	GatewayTransactionHash string `json:"gateway_transaction_hash,omitempty" gorm:"type:varchar(128);index"`

	WebhookToken  string `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	TrackingToken string `json:"tracking_token,omitempty" gorm:"type:varchar(64);index"`
	DeliveryToken string `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`

	TelegramUserID int64 `json:"telegram_user_id" gorm:"not null;index"`
	ChatID         int64 `json:"chat_id" gorm:"not null"`

	Amount    int64  `json:"amount" gorm:"not null"`
	NetAmount int64  `json:"net_amount"`
	Status    string `json:"status" gorm:"type:varchar(16);not null;index"`

	PixCode       string `json:"pix_code,omitempty" gorm:"type:text"`
	QRImageBase64 string `json:"-" gorm:"type:text"`

	CustomerName     string `json:"customer_name,omitempty" gorm:"type:varchar(255)"`
	CustomerEmail    string `json:"customer_email,omitempty" gorm:"type:varchar(255)"`
	CustomerPhone    string `json:"customer_phone,omitempty" gorm:"type:varchar(32)"`
	CustomerDocument string `json:"customer_document,omitempty" gorm:"type:varchar(32)"`

	ProductName  string `json:"product_name,omitempty" gorm:"type:varchar(255)"`
	ProductID    string `json:"product_id,omitempty" gorm:"type:varchar(64);index"`
	ButtonConfig datatypes.JSON `json:"button_config,omitempty"`

	FBCLID          string `json:"-" gorm:"type:varchar(512)"`
	FBP             string `json:"-" gorm:"type:varchar(128)"`
	FBC             string `json:"-" gorm:"type:varchar(512)"`
	UTMSource       string `json:"utm_source,omitempty" gorm:"type:varchar(255)"`
	UTMCampaign     string `json:"utm_campaign,omitempty" gorm:"type:varchar(255)"`
	UTMMedium       string `json:"utm_medium,omitempty" gorm:"type:varchar(255)"`
	UTMContent      string `json:"utm_content,omitempty" gorm:"type:varchar(255)"`
	UTMTerm         string `json:"utm_term,omitempty" gorm:"type:varchar(255)"`
	ClientIP        string `json:"-" gorm:"type:varchar(64)"`
	ClientUserAgent string `json:"-" gorm:"type:varchar(512)"`
	PageviewEventID string `json:"-" gorm:"type:varchar(64)"`

	MetaPurchaseSent bool   `json:"meta_purchase_sent" gorm:"not null;default:false"`
	MetaEventID      string `json:"-" gorm:"type:varchar(64)"`

	IsRemarketing   bool   `json:"is_remarketing" gorm:"not null;default:false"`
	FlowStepID      string `json:"flow_step_id,omitempty" gorm:"type:varchar(64)"`
	HasSubscription bool   `json:"has_subscription" gorm:"not null;default:false"`

	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// WebhookEventRecord is the audit row for every gateway callback. The
// dedup key is (gateway_type, transaction_id, status).
type WebhookEventRecord struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	GatewayType   string         `json:"gateway_type" gorm:"type:varchar(32);not null;uniqueIndex:idx_webhook_dedup,priority:1"`
	TransactionID string         `json:"transaction_id" gorm:"type:varchar(128);not null;uniqueIndex:idx_webhook_dedup,priority:2"`
	Status        string         `json:"status" gorm:"type:varchar(16);not null;uniqueIndex:idx_webhook_dedup,priority:3"`
	PaymentID     string         `json:"payment_id,omitempty" gorm:"type:varchar(64);index"`
	Payload       datatypes.JSON `json:"payload"`
	ReceivedAt    time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
}

func (WebhookEventRecord) TableName() string { return "webhook_events" }
