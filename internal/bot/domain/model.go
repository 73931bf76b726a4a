package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Bot is one Telegram bot owned by a tenant. Token is stored encrypted
// and decrypted only when a session is started.
type Bot struct {
	ID       snowflake.ID `json:"id" gorm:"primaryKey"`
	OwnerID  int64        `json:"owner_id" gorm:"not null;index"`
	Token    string       `json:"-" gorm:"type:text;not null"`
	Username string       `json:"username" gorm:"type:varchar(64);index"`

	IsActive  bool `json:"is_active" gorm:"not null;default:true"`
	IsRunning bool `json:"is_running" gorm:"not null;default:false"`

	PoolID        *int64 `json:"pool_id,omitempty" gorm:"index"`
	WebhookSecret string `json:"-" gorm:"type:varchar(64);uniqueIndex"`

	FunnelConfig datatypes.JSON `json:"funnel_config,omitempty"`
	FlowConfig   datatypes.JSON `json:"flow_config,omitempty"`
	FlowEnabled  bool           `json:"flow_enabled" gorm:"not null;default:false"`
	FlowVersion  int            `json:"flow_version" gorm:"not null;default:1"`

	DeliveryMessage string `json:"delivery_message,omitempty" gorm:"type:text"`
	VIPChatID       int64  `json:"vip_chat_id,omitempty"`

	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Bot) TableName() string { return "bots" }

// BotUser binds a Telegram identity to the attribution captured at the
// preceding web click. Unique per (bot, telegram user) while live;
// token rotation archives the whole namespace.
type BotUser struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	BotID          int64        `json:"bot_id" gorm:"not null;uniqueIndex:idx_bot_users_identity,priority:1"`
	TelegramUserID int64        `json:"telegram_user_id" gorm:"not null;uniqueIndex:idx_bot_users_identity,priority:2"`
	// ArchivedAt is 0 while the row is live. Rotation stamps the
	// rotation instant in nanoseconds, so every archived generation
	// keeps its own slot in the identity index.
	ArchivedAt int64 `json:"archived_at,omitempty" gorm:"not null;default:0;uniqueIndex:idx_bot_users_identity,priority:3"`

	ChatID    int64  `json:"chat_id"`
	Username  string `json:"username,omitempty" gorm:"type:varchar(64)"`
	FirstName string `json:"first_name,omitempty" gorm:"type:varchar(128)"`

	TrackingToken   string `json:"tracking_token,omitempty" gorm:"type:varchar(64);index"`
	FBCLID          string `json:"-" gorm:"type:varchar(512)"`
	FBP             string `json:"-" gorm:"type:varchar(128)"`
	FBC             string `json:"-" gorm:"type:varchar(512)"`
	UTMSource       string `json:"utm_source,omitempty" gorm:"type:varchar(255)"`
	UTMCampaign     string `json:"utm_campaign,omitempty" gorm:"type:varchar(255)"`
	UTMMedium       string `json:"utm_medium,omitempty" gorm:"type:varchar(255)"`
	UTMContent      string `json:"utm_content,omitempty" gorm:"type:varchar(255)"`
	UTMTerm         string `json:"utm_term,omitempty" gorm:"type:varchar(255)"`
	IPAddress       string `json:"-" gorm:"type:varchar(64)"`
	UserAgent       string `json:"-" gorm:"type:varchar(512)"`
	ClickContextURL string `json:"-" gorm:"type:text"`

	FirstInteractionAt time.Time `json:"first_interaction_at" gorm:"not null"`
	LastInteractionAt  time.Time `json:"last_interaction_at" gorm:"not null;index"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (BotUser) TableName() string { return "bot_users" }

// RedirectPool is a named bucket of bots sharing cloaker and pixel
// configuration. A redirect slug resolves to a pool, then to one bot.
type RedirectPool struct {
	ID      snowflake.ID `json:"id" gorm:"primaryKey"`
	OwnerID int64        `json:"owner_id" gorm:"not null;index"`
	Slug    string       `json:"slug" gorm:"type:varchar(64);not null;uniqueIndex"`

	CloakerEnabled    bool   `json:"cloaker_enabled" gorm:"not null;default:false"`
	CloakerParamName  string `json:"cloaker_param_name,omitempty" gorm:"type:varchar(64)"`
	CloakerParamValue string `json:"cloaker_param_value,omitempty" gorm:"type:varchar(128)"`
	RefererWhitelist  string `json:"referer_whitelist,omitempty" gorm:"type:text"`

	MetaPixelID     string `json:"meta_pixel_id,omitempty" gorm:"type:varchar(64)"`
	MetaAccessToken string `json:"-" gorm:"type:text"`

	TrackingEnabled bool           `json:"tracking_enabled" gorm:"not null;default:true"`
	EventsEnabled   datatypes.JSON `json:"events_enabled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (RedirectPool) TableName() string { return "redirect_pools" }

// PoolBot links a bot into a pool with a round-robin weight.
type PoolBot struct {
	ID     snowflake.ID `json:"id" gorm:"primaryKey"`
	PoolID int64        `json:"pool_id" gorm:"not null;uniqueIndex:idx_pool_bots,priority:1"`
	BotID  int64        `json:"bot_id" gorm:"not null;uniqueIndex:idx_pool_bots,priority:2"`
	Weight int          `json:"weight" gorm:"not null;default:1"`

	CreatedAt time.Time `json:"created_at"`
}

func (PoolBot) TableName() string { return "pool_bots" }
