package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the persistence surface of the bot fleet.
type Repository interface {
	CreateBot(ctx context.Context, db *gorm.DB, bot *Bot) error
	UpdateBot(ctx context.Context, db *gorm.DB, bot *Bot) error
	FindBotByID(ctx context.Context, db *gorm.DB, id int64) (*Bot, error)
	FindBotByUsername(ctx context.Context, db *gorm.DB, username string) (*Bot, error)
	ListRunningBots(ctx context.Context, db *gorm.DB) ([]Bot, error)
	ListBotsByIDs(ctx context.Context, db *gorm.DB, ids []int64) ([]Bot, error)

	SetBotRunning(ctx context.Context, db *gorm.DB, id int64, running bool) error
	TouchHeartbeat(ctx context.Context, db *gorm.DB, id int64, at time.Time) error

	// RotateToken swaps the encrypted token and archives every live
	// BotUser of the bot in the same transaction, stamped with the
	// rotation instant.
	RotateToken(ctx context.Context, db *gorm.DB, id int64, encryptedToken string, at time.Time) error

	UpsertBotUser(ctx context.Context, db *gorm.DB, user *BotUser) (*BotUser, error)
	FindBotUser(ctx context.Context, db *gorm.DB, botID, telegramUserID int64) (*BotUser, error)
	TouchBotUser(ctx context.Context, db *gorm.DB, botID, telegramUserID int64, at time.Time) error
	ListIdleBotUsers(ctx context.Context, db *gorm.DB, botID int64, idleBefore time.Time, limit int) ([]BotUser, error)

	FindPoolBySlug(ctx context.Context, db *gorm.DB, slug string) (*RedirectPool, error)
	FindPoolByID(ctx context.Context, db *gorm.DB, id int64) (*RedirectPool, error)
	ListPoolBots(ctx context.Context, db *gorm.DB, poolID int64) ([]PoolBot, error)
}
