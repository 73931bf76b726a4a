package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	gatewaydomain "github.com/vendazap/vendazap/internal/gateway/domain"
)

// Repository is the persistence surface of the payment orchestrator.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, payment *Payment) error
	Update(ctx context.Context, db *gorm.DB, payment *Payment) error

	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*Payment, error)
	FindByWebhookToken(ctx context.Context, db *gorm.DB, token string) (*Payment, error)
	FindByGatewayTransaction(ctx context.Context, db *gorm.DB, gatewayType, transactionID string) (*Payment, error)
	FindByGatewayHash(ctx context.Context, db *gorm.DB, gatewayType, transactionHash string) (*Payment, error)

	// FindRecentPending returns the newest pending payment for the user
	// created after the cutoff, or nil.
	FindRecentPending(ctx context.Context, db *gorm.DB, botID, telegramUserID int64, since time.Time) (*Payment, error)

	// ListStalePending returns pending payments created before the cutoff.
	ListStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Payment, error)

	// ListPendingForBot returns a bot's pending payments created before
	// the cutoff.
	ListPendingForBot(ctx context.Context, db *gorm.DB, botID int64, before time.Time, limit int) ([]Payment, error)

	// ListRecentPaid returns a bot's payments paid after the cutoff.
	ListRecentPaid(ctx context.Context, db *gorm.DB, botID int64, since time.Time, limit int) ([]Payment, error)

	// HasPaidPayment reports whether the user has any paid payment on the
	// bot, optionally scoped to a product.
	HasPaidPayment(ctx context.Context, db *gorm.DB, botID, telegramUserID int64, productID string) (bool, error)

	// HasPaidPaymentSince reports whether the user paid again on the bot
	// after the given instant.
	HasPaidPaymentSince(ctx context.Context, db *gorm.DB, botID, telegramUserID int64, since time.Time) (bool, error)

	ListGateways(ctx context.Context, db *gorm.DB, ownerID int64) ([]gatewaydomain.GatewayAccount, error)
	FindGatewayByID(ctx context.Context, db *gorm.DB, id int64) (*gatewaydomain.GatewayAccount, error)
	FindGatewayBySecret(ctx context.Context, db *gorm.DB, webhookSecret string) (*gatewaydomain.GatewayAccount, error)

	// ClaimDelivery atomically marks the payment delivered, keyed by its
	// delivery token. Returns false when another worker already claimed.
	ClaimDelivery(ctx context.Context, db *gorm.DB, deliveryToken string, at time.Time) (bool, error)
	// ReleaseDelivery undoes a claim after a transient send failure.
	ReleaseDelivery(ctx context.Context, db *gorm.DB, deliveryToken string) error

	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, gatewayType, transactionID, status string) (*WebhookEventRecord, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}
