package users

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/clock"
	"github.com/vendazap/vendazap/internal/tracking"
)

// Attribution is the slice of the tracking store the binder reads.
type Attribution interface {
	Get(ctx context.Context, token string) (*tracking.Snapshot, error)
	BindChat(ctx context.Context, botID, chatID, tgUserID int64, token string) error
	LastTokenForUser(ctx context.Context, botID, tgUserID int64) (string, error)
}

// Identity is the Telegram-side identity of an inbound update.
type Identity struct {
	BotID     int64
	ChatID    int64
	UserID    int64
	Username  string
	FirstName string
}

// Binder joins a Telegram identity with the attribution snapshot of
// the click that brought the user in.
type Binder struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	track Attribution
	clock clock.Clock
}

func NewBinder(db *gorm.DB, log *zap.Logger, repo domain.Repository, track Attribution, clk clock.Clock) *Binder {
	return &Binder{db: db, log: log.Named("users"), repo: repo, track: track, clock: clk}
}

// Bind upserts the BotUser. The token comes from the /start payload
// when present, else from the last-click index. Synthetic fbc never
// reaches the row; only cookie-origin fbc is copied.
func (b *Binder) Bind(ctx context.Context, id Identity, payload string) *domain.BotUser {
	token := strings.TrimSpace(payload)
	if token == "" {
		if last, err := b.track.LastTokenForUser(ctx, id.BotID, id.UserID); err == nil {
			token = last
		}
	}

	now := b.clock.Now()
	user := &domain.BotUser{
		BotID:              id.BotID,
		TelegramUserID:     id.UserID,
		ChatID:             id.ChatID,
		Username:           id.Username,
		FirstName:          id.FirstName,
		FirstInteractionAt: now,
		LastInteractionAt:  now,
	}

	if token != "" {
		if snap, err := b.track.Get(ctx, token); err == nil {
			user.TrackingToken = token
			user.FBCLID = snap.FBCLID
			user.FBP = snap.FBP
			if snap.FBCOrigin == tracking.FBCOriginCookie {
				user.FBC = snap.FBC
			}
			user.UTMSource = snap.UTMSource
			user.UTMCampaign = snap.UTMCampaign
			user.UTMMedium = snap.UTMMedium
			user.UTMContent = snap.UTMContent
			user.UTMTerm = snap.UTMTerm
			user.IPAddress = snap.ClientIP
			user.UserAgent = snap.ClientUserAgent
			user.ClickContextURL = snap.ClickContextURL
		}
		if err := b.track.BindChat(ctx, id.BotID, id.ChatID, id.UserID, token); err != nil {
			b.log.Warn("chat bind failed", zap.Int64("bot_id", id.BotID), zap.Error(err))
		}
	}

	saved, err := b.repo.UpsertBotUser(ctx, b.db, user)
	if err != nil {
		b.log.Warn("bot user upsert failed",
			zap.Int64("bot_id", id.BotID),
			zap.Int64("telegram_user_id", id.UserID),
			zap.Error(err),
		)
		return user
	}
	return saved
}
