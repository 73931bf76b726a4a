package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	gatewaydomain "github.com/vendazap/vendazap/internal/gateway/domain"
	"github.com/vendazap/vendazap/internal/payment/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Save(payment).Error
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*domain.Payment, error) {
	return r.findOne(ctx, db, "payment_id = ?", paymentID)
}

func (r *repo) FindByWebhookToken(ctx context.Context, db *gorm.DB, token string) (*domain.Payment, error) {
	return r.findOne(ctx, db, "webhook_token = ?", token)
}

func (r *repo) FindByGatewayTransaction(ctx context.Context, db *gorm.DB, gatewayType, transactionID string) (*domain.Payment, error) {
	return r.findOne(ctx, db, "gateway_type = ? AND gateway_transaction_id = ?", gatewayType, transactionID)
}

func (r *repo) FindByGatewayHash(ctx context.Context, db *gorm.DB, gatewayType, transactionHash string) (*domain.Payment, error) {
	return r.findOne(ctx, db, "gateway_type = ? AND gateway_transaction_hash = ?", gatewayType, transactionHash)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Where(query, args...).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindRecentPending(ctx context.Context, db *gorm.DB, botID, telegramUserID int64, since time.Time) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).
		Where("bot_id = ? AND telegram_user_id = ? AND status = ? AND created_at >= ?",
			botID, telegramUserID, domain.StatusPending, since).
		Order("created_at DESC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListStalePending(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Where("status = ? AND created_at < ?", domain.StatusPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListPendingForBot(ctx context.Context, db *gorm.DB, botID int64, before time.Time, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Where("bot_id = ? AND status = ? AND created_at < ?", botID, domain.StatusPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListRecentPaid(ctx context.Context, db *gorm.DB, botID int64, since time.Time, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Where("bot_id = ? AND status = ? AND paid_at >= ?", botID, domain.StatusPaid, since).
		Order("paid_at DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) HasPaidPayment(ctx context.Context, db *gorm.DB, botID, telegramUserID int64, productID string) (bool, error) {
	query := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("bot_id = ? AND telegram_user_id = ? AND status = ?", botID, telegramUserID, domain.StatusPaid)
	if productID != "" {
		query = query.Where("product_id = ?", productID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) HasPaidPaymentSince(ctx context.Context, db *gorm.DB, botID, telegramUserID int64, since time.Time) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("bot_id = ? AND telegram_user_id = ? AND status = ? AND paid_at > ?",
			botID, telegramUserID, domain.StatusPaid, since).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) ListGateways(ctx context.Context, db *gorm.DB, ownerID int64) ([]gatewaydomain.GatewayAccount, error) {
	var items []gatewaydomain.GatewayAccount
	err := db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ? AND is_verified = ?", ownerID, true, true).
		Order("priority DESC, updated_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindGatewayByID(ctx context.Context, db *gorm.DB, id int64) (*gatewaydomain.GatewayAccount, error) {
	var item gatewaydomain.GatewayAccount
	err := db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindGatewayBySecret(ctx context.Context, db *gorm.DB, webhookSecret string) (*gatewaydomain.GatewayAccount, error) {
	var item gatewaydomain.GatewayAccount
	err := db.WithContext(ctx).Where("webhook_secret = ?", webhookSecret).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ClaimDelivery(ctx context.Context, db *gorm.DB, deliveryToken string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("delivery_token = ? AND delivered_at IS NULL", deliveryToken).
		Update("delivered_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ReleaseDelivery(ctx context.Context, db *gorm.DB, deliveryToken string) error {
	return db.WithContext(ctx).Model(&domain.Payment{}).
		Where("delivery_token = ?", deliveryToken).
		Update("delivered_at", nil).Error
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEventRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway_type"}, {Name: "transaction_id"}, {Name: "status"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, gatewayType, transactionID, status string) (*domain.WebhookEventRecord, error) {
	var item domain.WebhookEventRecord
	err := db.WithContext(ctx).
		Where("gateway_type = ? AND transaction_id = ? AND status = ?", gatewayType, transactionID, status).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Model(&domain.WebhookEventRecord{}).
		Where("id = ?", id).
		Update("processed_at", processedAt).Error
}
