package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/telegram"
)

const chatLockTTL = 5 * time.Second

// Locker serializes update handling per (bot, chat).
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Conversation is the per-update context handed to an engine.
type Conversation struct {
	Bot       *domain.Bot
	API       telegram.API
	ChatID    int64
	UserID    int64
	Username  string
	FirstName string
}

// Engine handles one chat's funnel. Exactly one engine fires per
// update; engines never cross-dispatch.
type Engine interface {
	HandleStart(ctx context.Context, conv *Conversation, payload string)
	HandleCallback(ctx context.Context, conv *Conversation, data string)
	HandleText(ctx context.Context, conv *Conversation, text string)
}

// Params are the router dependencies. Engines are bound by name so the
// flow and traditional implementations stay interchangeable in tests.
type Params struct {
	fx.In

	Log    *zap.Logger
	Locker Locker
	Funnel Engine `name:"engine.funnel"`
	Flow   Engine `name:"engine.flow"`
}

// Router is the single entry point for every inbound Telegram update.
type Router struct {
	log    *zap.Logger
	locker Locker
	funnel Engine
	flow   Engine
}

func New(p Params) *Router {
	return &Router{
		log:    p.Log.Named("router"),
		locker: p.Locker,
		funnel: p.Funnel,
		flow:   p.Flow,
	}
}

// HandleUpdate serializes the update under the chat lock and routes it
// to the active engine. On lock contention the update is dropped; the
// Telegram client redelivers.
func (r *Router) HandleUpdate(ctx context.Context, bot *domain.Bot, api telegram.API, update *tgbotapi.Update) {
	conv, kind, payload := r.classify(bot, api, update)
	if conv == nil {
		return
	}

	lockKey := fmt.Sprintf("lock:bot:%d:chat:%d", int64(bot.ID), conv.ChatID)
	token, ok, err := r.locker.TryLock(ctx, lockKey, chatLockTTL)
	if err != nil {
		r.log.Warn("chat lock unavailable", zap.String("key", lockKey), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			r.log.Warn("chat lock release failed", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	// Engine choice is atomic per update, from the bot config snapshot.
	engine := r.funnel
	if bot.FlowEnabled && len(bot.FlowConfig) > 0 {
		engine = r.flow
	}

	switch kind {
	case "start":
		engine.HandleStart(ctx, conv, payload)
	case "callback":
		engine.HandleCallback(ctx, conv, payload)
	case "text":
		engine.HandleText(ctx, conv, payload)
	}
}

// classify extracts the conversation and message kind from an update.
// Unknown update types return a nil conversation and are ignored.
func (r *Router) classify(bot *domain.Bot, api telegram.API, update *tgbotapi.Update) (*Conversation, string, string) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		msg := update.Message
		conv := &Conversation{
			Bot:       bot,
			API:       api,
			ChatID:    msg.Chat.ID,
			UserID:    msg.From.ID,
			Username:  msg.From.UserName,
			FirstName: msg.From.FirstName,
		}
		if msg.IsCommand() && msg.Command() == "start" {
			return conv, "start", strings.TrimSpace(msg.CommandArguments())
		}
		return conv, "text", msg.Text
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
		cb := update.CallbackQuery
		conv := &Conversation{
			Bot:       bot,
			API:       api,
			ChatID:    cb.Message.Chat.ID,
			UserID:    cb.From.ID,
			Username:  cb.From.UserName,
			FirstName: cb.From.FirstName,
		}
		// Ack immediately so the client stops the spinner even if the
		// engine takes its time.
		_, _ = api.Request(tgbotapi.NewCallback(cb.ID, ""))
		return conv, "callback", cb.Data
	}
	return nil, "", ""
}
