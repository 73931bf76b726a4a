package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Campaign trigger types.
const (
	TriggerNoClick       = "no_click"
	TriggerAbandonedCart = "abandoned_cart"
	TriggerPostSale      = "post_sale"
)

var ErrQueueFull = errors.New("remarketing: queue is full")

// Campaign is a per-bot broadcast rule. The delay anchors on the
// trigger event (last interaction, pending charge or paid charge).
type Campaign struct {
	ID           snowflake.ID   `json:"id" gorm:"primaryKey"`
	BotID        int64          `json:"bot_id" gorm:"not null;index"`
	Name         string         `json:"name" gorm:"type:varchar(128);not null"`
	TriggerType  string         `json:"trigger_type" gorm:"type:varchar(32);not null"`
	DelayMinutes int            `json:"delay_minutes" gorm:"not null"`
	Message      string         `json:"message" gorm:"type:text;not null"`
	MediaURL     string         `json:"media_url,omitempty" gorm:"type:text"`
	AudioURL     string         `json:"audio_url,omitempty" gorm:"type:text"`
	Buttons      datatypes.JSON `json:"buttons,omitempty"`
	IsActive     bool           `json:"is_active" gorm:"not null;default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Campaign) TableName() string { return "remarketing_campaigns" }

// BlacklistEntry excludes a user from every campaign of a bot.
type BlacklistEntry struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	BotID          int64        `json:"bot_id" gorm:"not null;uniqueIndex:idx_remarketing_blacklist,priority:1"`
	TelegramUserID int64        `json:"telegram_user_id" gorm:"not null;uniqueIndex:idx_remarketing_blacklist,priority:2"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (BlacklistEntry) TableName() string { return "remarketing_blacklist" }

// Job is one queued broadcast message, serialized into the KV queue.
type Job struct {
	ID             string    `json:"id"`
	BotID          int64     `json:"bot_id"`
	ChatID         int64     `json:"chat_id"`
	TelegramUserID int64     `json:"telegram_user_id"`
	CampaignID     int64     `json:"campaign_id,omitempty"`
	TriggerType    string    `json:"trigger_type"`
	Message        string    `json:"message"`
	MediaURL       string    `json:"media_url,omitempty"`
	ButtonLabel    string    `json:"button_label,omitempty"`
	ButtonData     string    `json:"button_data,omitempty"`
	PaymentID      string    `json:"payment_id,omitempty"`
	ExecuteAt      time.Time `json:"execute_at"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Repository is the persistence surface of the campaign config.
type Repository interface {
	ListActiveCampaigns(ctx context.Context, db *gorm.DB, botID int64) ([]Campaign, error)
	IsBlacklisted(ctx context.Context, db *gorm.DB, botID, telegramUserID int64) (bool, error)
	AddToBlacklist(ctx context.Context, db *gorm.DB, entry *BlacklistEntry) error
}
