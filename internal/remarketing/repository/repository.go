package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vendazap/vendazap/internal/remarketing/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListActiveCampaigns(ctx context.Context, db *gorm.DB, botID int64) ([]domain.Campaign, error) {
	var items []domain.Campaign
	err := db.WithContext(ctx).
		Where("bot_id = ? AND is_active = ?", botID, true).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) IsBlacklisted(ctx context.Context, db *gorm.DB, botID, telegramUserID int64) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.BlacklistEntry{}).
		Where("bot_id = ? AND telegram_user_id = ?", botID, telegramUserID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) AddToBlacklist(ctx context.Context, db *gorm.DB, entry *domain.BlacklistEntry) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bot_id"}, {Name: "telegram_user_id"}},
			DoNothing: true,
		}).
		Create(entry).Error
}
