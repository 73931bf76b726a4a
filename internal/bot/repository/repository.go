package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/vendazap/vendazap/internal/bot/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CreateBot(ctx context.Context, db *gorm.DB, bot *domain.Bot) error {
	return db.WithContext(ctx).Create(bot).Error
}

func (r *repo) UpdateBot(ctx context.Context, db *gorm.DB, bot *domain.Bot) error {
	return db.WithContext(ctx).Save(bot).Error
}

func (r *repo) FindBotByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Bot, error) {
	var item domain.Bot
	err := db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindBotByUsername(ctx context.Context, db *gorm.DB, username string) (*domain.Bot, error) {
	var item domain.Bot
	err := db.WithContext(ctx).Where("username = ?", username).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListRunningBots(ctx context.Context, db *gorm.DB) ([]domain.Bot, error) {
	var items []domain.Bot
	err := db.WithContext(ctx).
		Where("is_active = ? AND is_running = ?", true, true).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListBotsByIDs(ctx context.Context, db *gorm.DB, ids []int64) ([]domain.Bot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Bot
	err := db.WithContext(ctx).Where("id IN ?", ids).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SetBotRunning(ctx context.Context, db *gorm.DB, id int64, running bool) error {
	return db.WithContext(ctx).Model(&domain.Bot{}).
		Where("id = ?", id).
		Update("is_running", running).Error
}

func (r *repo) TouchHeartbeat(ctx context.Context, db *gorm.DB, id int64, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.Bot{}).
		Where("id = ?", id).
		Update("last_heartbeat_at", at).Error
}

func (r *repo) RotateToken(ctx context.Context, db *gorm.DB, id int64, encryptedToken string, at time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Bot{}).
			Where("id = ?", id).
			Update("token", encryptedToken).Error; err != nil {
			return err
		}
		return tx.Model(&domain.BotUser{}).
			Where("bot_id = ? AND archived_at = 0", id).
			Update("archived_at", at.UTC().UnixNano()).Error
	})
}

func (r *repo) UpsertBotUser(ctx context.Context, db *gorm.DB, user *domain.BotUser) (*domain.BotUser, error) {
	existing, err := r.FindBotUser(ctx, db, user.BotID, user.TelegramUserID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if err := db.WithContext(ctx).Create(user).Error; err != nil {
			return nil, err
		}
		return user, nil
	}

	existing.ChatID = user.ChatID
	existing.LastInteractionAt = user.LastInteractionAt
	if user.Username != "" {
		existing.Username = user.Username
	}
	if user.FirstName != "" {
		existing.FirstName = user.FirstName
	}
	// Attribution fields update only when the new interaction carries a
	// fresher click binding.
	if user.TrackingToken != "" && user.TrackingToken != existing.TrackingToken {
		existing.TrackingToken = user.TrackingToken
		existing.FBCLID = user.FBCLID
		existing.FBP = user.FBP
		existing.FBC = user.FBC
		existing.UTMSource = user.UTMSource
		existing.UTMCampaign = user.UTMCampaign
		existing.UTMMedium = user.UTMMedium
		existing.UTMContent = user.UTMContent
		existing.UTMTerm = user.UTMTerm
		existing.IPAddress = user.IPAddress
		existing.UserAgent = user.UserAgent
		existing.ClickContextURL = user.ClickContextURL
	}
	if err := db.WithContext(ctx).Save(existing).Error; err != nil {
		return nil, err
	}
	return existing, nil
}

func (r *repo) FindBotUser(ctx context.Context, db *gorm.DB, botID, telegramUserID int64) (*domain.BotUser, error) {
	var item domain.BotUser
	err := db.WithContext(ctx).
		Where("bot_id = ? AND telegram_user_id = ? AND archived_at = 0", botID, telegramUserID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) TouchBotUser(ctx context.Context, db *gorm.DB, botID, telegramUserID int64, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.BotUser{}).
		Where("bot_id = ? AND telegram_user_id = ? AND archived_at = 0", botID, telegramUserID).
		Update("last_interaction_at", at).Error
}

func (r *repo) ListIdleBotUsers(ctx context.Context, db *gorm.DB, botID int64, idleBefore time.Time, limit int) ([]domain.BotUser, error) {
	var items []domain.BotUser
	err := db.WithContext(ctx).
		Where("bot_id = ? AND archived_at = 0 AND last_interaction_at < ?", botID, idleBefore).
		Order("last_interaction_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindPoolBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.RedirectPool, error) {
	var item domain.RedirectPool
	err := db.WithContext(ctx).Where("slug = ?", slug).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindPoolByID(ctx context.Context, db *gorm.DB, id int64) (*domain.RedirectPool, error) {
	var item domain.RedirectPool
	err := db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListPoolBots(ctx context.Context, db *gorm.DB, poolID int64) ([]domain.PoolBot, error) {
	var items []domain.PoolBot
	err := db.WithContext(ctx).
		Where("pool_id = ?", poolID).
		Order("bot_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
