package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Subscription statuses.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRemoved = "removed"
	StatusFailed  = "failed"
)

// maxRemovalErrors flips a subscription to failed after this many
// consecutive removal errors.
const MaxRemovalErrors = 5

var ErrAlreadyExists = errors.New("subscription: payment already has one")

// Subscription is a time-limited VIP membership bought with one
// payment. Exactly one per payment.
type Subscription struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	PaymentID      string       `json:"payment_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	BotID          int64        `json:"bot_id" gorm:"not null;index"`
	TelegramUserID int64        `json:"telegram_user_id" gorm:"not null;index"`

	DurationType  string `json:"duration_type" gorm:"type:varchar(16);not null"`
	DurationValue int    `json:"duration_value" gorm:"not null"`
	VIPChatID     int64  `json:"vip_chat_id" gorm:"not null"`

	StartedAt time.Time `json:"started_at" gorm:"not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`

	Status     string     `json:"status" gorm:"type:varchar(16);not null;index"`
	ErrorCount int        `json:"error_count" gorm:"not null;default:0"`
	LastError  string     `json:"last_error,omitempty" gorm:"type:text"`
	NextTryAt  *time.Time `json:"next_try_at,omitempty" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// ExpiryFor computes the expiry instant for a duration spec.
func ExpiryFor(start time.Time, durationType string, durationValue int) time.Time {
	switch durationType {
	case "hours":
		return start.Add(time.Duration(durationValue) * time.Hour)
	case "days":
		return start.AddDate(0, 0, durationValue)
	case "months":
		return start.AddDate(0, durationValue, 0)
	default:
		return start
	}
}

// Repository is the persistence surface of the subscription lifecycle.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, sub *Subscription) error
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*Subscription, error)

	// ListExpiring returns active subscriptions whose expiry passed.
	ListExpiring(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	// ListPendingStale returns pending subscriptions older than the cutoff.
	ListPendingStale(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Subscription, error)
	// ListRetryable returns failed subscriptions due for another attempt.
	ListRetryable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
}
