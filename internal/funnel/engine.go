package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	botdomain "github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/bot/users"
	"github.com/vendazap/vendazap/internal/clock"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	"github.com/vendazap/vendazap/internal/router"
	"github.com/vendazap/vendazap/internal/telegram"
)

const verifyCooldown = 10 * time.Second

// Attribution is the slice of the tracking store the funnel reads.
type Attribution = users.Attribution

// PaymentCreator is the slice of the payment orchestrator the funnel
// drives.
type PaymentCreator interface {
	CreatePix(ctx context.Context, in *paymentdomain.CreatePixInput) (*paymentdomain.CreatePixOutput, error)
	Status(ctx context.Context, paymentID string) (*paymentdomain.Payment, error)
}

// Deliverer hands a paid payment to the delivery service. Safe to call
// more than once; delivery is deduplicated downstream.
type Deliverer interface {
	Deliver(ctx context.Context, payment *paymentdomain.Payment) error
}

// ViewContentEmitter fires the server-side ViewContent event.
type ViewContentEmitter interface {
	EmitViewContent(ctx context.Context, bot *botdomain.Bot, telegramUserID int64, trackingToken, productName string)
}

// HookScheduler enqueues delayed downsell messages tied to a pending
// payment.
type HookScheduler interface {
	ScheduleHooks(ctx context.Context, botID, chatID, userID int64, paymentID string, hooks []botdomain.RemarketingHook, trigger string) error
}

// Cooldowner rate limits verify presses per chat.
type Cooldowner interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Bots     botdomain.Repository
	Binder   *users.Binder
	Payments PaymentCreator
	Tracking Attribution
	Sender   *telegram.Sender
	Delivery Deliverer          `optional:"true"`
	Events   ViewContentEmitter `optional:"true"`
	Hooks    HookScheduler      `optional:"true"`
	Cooldown Cooldowner
	Clock    clock.Clock
}

// Engine is the button-driven funnel: welcome, buy, order bump, PIX,
// verify. State lives in the messages already sent plus the Payment
// rows, never in process memory.
type Engine struct {
	db       *gorm.DB
	log      *zap.Logger
	bots     botdomain.Repository
	binder   *users.Binder
	payments PaymentCreator
	track    Attribution
	sender   *telegram.Sender
	delivery Deliverer
	events   ViewContentEmitter
	hooks    HookScheduler
	cooldown Cooldowner
	clock    clock.Clock
}

func New(p Params) *Engine {
	return &Engine{
		db:       p.DB,
		log:      p.Log.Named("funnel"),
		bots:     p.Bots,
		binder:   p.Binder,
		payments: p.Payments,
		track:    p.Tracking,
		sender:   p.Sender,
		delivery: p.Delivery,
		events:   p.Events,
		hooks:    p.Hooks,
		cooldown: p.Cooldown,
		clock:    p.Clock,
	}
}

var _ router.Engine = (*Engine)(nil)

// HandleStart upserts the BotUser, binds click attribution and sends
// the welcome message.
func (e *Engine) HandleStart(ctx context.Context, conv *router.Conversation, payload string) {
	cfg, err := botdomain.ParseFunnelConfig(conv.Bot.FunnelConfig)
	if err != nil {
		e.log.Warn("funnel config invalid", zap.Int64("bot_id", int64(conv.Bot.ID)), zap.Error(err))
		return
	}

	e.binder.Bind(ctx, users.Identity{
		BotID:     int64(conv.Bot.ID),
		ChatID:    conv.ChatID,
		UserID:    conv.UserID,
		Username:  conv.Username,
		FirstName: conv.FirstName,
	}, payload)
	e.sendWelcome(ctx, conv, cfg)
}

func (e *Engine) sendWelcome(ctx context.Context, conv *router.Conversation, cfg *botdomain.FunnelConfig) {
	botID := int64(conv.Bot.ID)

	if cfg.WelcomeMedia != "" {
		photo := tgbotapi.NewPhoto(conv.ChatID, tgbotapi.FileURL(cfg.WelcomeMedia))
		if _, err := e.sender.Send(ctx, conv.API, botID, conv.ChatID, photo); err != nil {
			e.log.Warn("welcome media send failed", zap.Int64("bot_id", botID), zap.Error(err))
		}
	}
	if cfg.WelcomeAudio != "" {
		audio := tgbotapi.NewAudio(conv.ChatID, tgbotapi.FileURL(cfg.WelcomeAudio))
		if _, err := e.sender.Send(ctx, conv.API, botID, conv.ChatID, audio); err != nil {
			e.log.Warn("welcome audio send failed", zap.Int64("bot_id", botID), zap.Error(err))
		}
	}

	text := cfg.WelcomeText
	if text == "" {
		text = "Bem-vindo!"
	}
	msg := tgbotapi.NewMessage(conv.ChatID, text)
	if len(cfg.Buttons) > 0 {
		msg.ReplyMarkup = buyKeyboard(cfg.Buttons)
	}
	if _, err := e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg); err != nil {
		e.log.Warn("welcome send failed", zap.Int64("bot_id", botID), zap.Error(err))
	}
}

func buyKeyboard(buttons []botdomain.ButtonConfig) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for i, b := range buttons {
		label := b.Label
		if label == "" {
			label = fmt.Sprintf("%s - %s", b.ProductName, formatBRL(b.Price))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("buy_%d", i)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// HandleCallback decodes buy, bump and verify presses.
func (e *Engine) HandleCallback(ctx context.Context, conv *router.Conversation, data string) {
	_ = e.bots.TouchBotUser(ctx, e.db, int64(conv.Bot.ID), conv.UserID, e.clock.Now())

	switch {
	case strings.HasPrefix(data, "buy_"):
		if idx, err := strconv.Atoi(strings.TrimPrefix(data, "buy_")); err == nil {
			e.handleBuy(ctx, conv, idx)
		}
	case strings.HasPrefix(data, "bump_yes_"):
		if idx, err := strconv.Atoi(strings.TrimPrefix(data, "bump_yes_")); err == nil {
			e.createCharge(ctx, conv, idx, true)
		}
	case strings.HasPrefix(data, "bump_no_"):
		if idx, err := strconv.Atoi(strings.TrimPrefix(data, "bump_no_")); err == nil {
			e.createCharge(ctx, conv, idx, false)
		}
	case strings.HasPrefix(data, "verify_"):
		e.handleVerify(ctx, conv, strings.TrimPrefix(data, "verify_"))
	}
}

// HandleText has no role in the traditional funnel; interactions are
// button driven. The interaction timestamp still advances for the
// remarketing triggers.
func (e *Engine) HandleText(ctx context.Context, conv *router.Conversation, text string) {
	_ = e.bots.TouchBotUser(ctx, e.db, int64(conv.Bot.ID), conv.UserID, e.clock.Now())
}

func (e *Engine) handleBuy(ctx context.Context, conv *router.Conversation, index int) {
	cfg, err := botdomain.ParseFunnelConfig(conv.Bot.FunnelConfig)
	if err != nil {
		return
	}
	button := cfg.Button(index)
	if button == nil {
		return
	}

	if e.events != nil {
		token, _ := e.track.LastTokenForUser(ctx, int64(conv.Bot.ID), conv.UserID)
		e.events.EmitViewContent(ctx, conv.Bot, conv.UserID, token, button.ProductName)
	}

	if button.OrderBump != nil && button.OrderBump.Enabled {
		e.offerBump(ctx, conv, index, button)
		return
	}
	e.createCharge(ctx, conv, index, false)
}

func (e *Engine) offerBump(ctx context.Context, conv *router.Conversation, index int, button *botdomain.ButtonConfig) {
	bump := button.OrderBump
	text := bump.Title
	if text == "" {
		text = "Oferta especial!"
	}
	if bump.Description != "" {
		text += "\n\n" + bump.Description
	}
	text += fmt.Sprintf("\n\nAdicionar por apenas %s?", formatBRL(bump.Price))

	msg := tgbotapi.NewMessage(conv.ChatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Sim, quero!", fmt.Sprintf("bump_yes_%d", index)),
			tgbotapi.NewInlineKeyboardButtonData("Não, obrigado", fmt.Sprintf("bump_no_%d", index)),
		),
	)
	if _, err := e.sender.Send(ctx, conv.API, int64(conv.Bot.ID), conv.ChatID, msg); err != nil {
		e.log.Warn("bump offer send failed", zap.Int64("bot_id", int64(conv.Bot.ID)), zap.Error(err))
	}
}

func (e *Engine) createCharge(ctx context.Context, conv *router.Conversation, index int, withBump bool) {
	botID := int64(conv.Bot.ID)
	cfg, err := botdomain.ParseFunnelConfig(conv.Bot.FunnelConfig)
	if err != nil {
		return
	}
	button := cfg.Button(index)
	if button == nil {
		return
	}

	amount := button.Price
	productName := button.ProductName
	if withBump && button.OrderBump != nil {
		amount += button.OrderBump.Price
		if button.OrderBump.ProductName != "" {
			productName = button.OrderBump.ProductName
		}
	}

	token := ""
	if user, err := e.bots.FindBotUser(ctx, e.db, botID, conv.UserID); err == nil && user != nil {
		token = user.TrackingToken
	}
	if token == "" {
		token, _ = e.track.LastTokenForUser(ctx, botID, conv.UserID)
	}

	buttonJSON, _ := json.Marshal(button)
	out, err := e.payments.CreatePix(ctx, &paymentdomain.CreatePixInput{
		OwnerID:         conv.Bot.OwnerID,
		BotID:           botID,
		ChatID:          conv.ChatID,
		TelegramUserID:  conv.UserID,
		Amount:          amount,
		Description:     productName,
		ProductID:       button.ProductID,
		ProductName:     productName,
		CustomerName:    conv.FirstName,
		TrackingToken:   token,
		HasSubscription: button.Subscription.Valid(),
		ButtonConfig:    buttonJSON,
	})
	if err != nil {
		e.sendChargeError(ctx, conv, err)
		return
	}

	e.sendPixMessage(ctx, conv, cfg, out.Payment)

	if !out.Reused && e.hooks != nil && len(cfg.Downsells) > 0 {
		if err := e.hooks.ScheduleHooks(ctx, botID, conv.ChatID, conv.UserID, out.Payment.PaymentID, cfg.Downsells, "abandoned_cart"); err != nil {
			e.log.Warn("downsell scheduling failed", zap.String("payment_id", out.Payment.PaymentID), zap.Error(err))
		}
	}
}

func (e *Engine) sendChargeError(ctx context.Context, conv *router.Conversation, err error) {
	var text string
	switch {
	case errors.Is(err, paymentdomain.ErrCrossProductBlocked):
		text = "Você acabou de gerar um PIX. Aguarde alguns segundos antes de escolher outro produto."
	case errors.Is(err, paymentdomain.ErrNoEligibleGateway):
		text = "Pagamentos indisponíveis no momento. Tente novamente mais tarde."
	default:
		text = "Não foi possível gerar o PIX agora. Tente novamente em instantes."
	}
	e.log.Warn("pix creation failed",
		zap.Int64("bot_id", int64(conv.Bot.ID)),
		zap.Int64("telegram_user_id", conv.UserID),
		zap.Error(err),
	)
	msg := tgbotapi.NewMessage(conv.ChatID, text)
	_, _ = e.sender.Send(ctx, conv.API, int64(conv.Bot.ID), conv.ChatID, msg)
}

func (e *Engine) sendPixMessage(ctx context.Context, conv *router.Conversation, cfg *botdomain.FunnelConfig, payment *paymentdomain.Payment) {
	botID := int64(conv.Bot.ID)

	header := cfg.PixMessage
	if header == "" {
		header = fmt.Sprintf("Pedido gerado: %s\nValor: %s\n\nCopie o código PIX abaixo e pague no seu banco.",
			payment.ProductName, formatBRL(payment.Amount))
	}
	msg := tgbotapi.NewMessage(conv.ChatID, header)
	if _, err := e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg); err != nil {
		e.log.Warn("pix header send failed", zap.Int64("bot_id", botID), zap.Error(err))
		return
	}

	// The code goes alone in its own message so mobile copy works.
	code := tgbotapi.NewMessage(conv.ChatID, payment.PixCode)
	verify := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Já paguei", "verify_"+payment.PaymentID),
		),
	)
	code.ReplyMarkup = verify
	if _, err := e.sender.Send(ctx, conv.API, botID, conv.ChatID, code); err != nil {
		e.log.Warn("pix code send failed", zap.Int64("bot_id", botID), zap.Error(err))
	}
}

func (e *Engine) handleVerify(ctx context.Context, conv *router.Conversation, paymentID string) {
	botID := int64(conv.Bot.ID)
	cooldownKey := fmt.Sprintf("cooldown:verify:%d:%d", botID, conv.ChatID)
	if _, ok, err := e.cooldown.TryLock(ctx, cooldownKey, verifyCooldown); err == nil && !ok {
		msg := tgbotapi.NewMessage(conv.ChatID, "Aguarde 10 segundos antes de verificar novamente.")
		_, _ = e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg)
		return
	}
	// The cooldown lock expires on its own; it is never released early.

	payment, err := e.payments.Status(ctx, paymentID)
	if err != nil || payment == nil || payment.BotID != botID {
		msg := tgbotapi.NewMessage(conv.ChatID, "Pagamento não encontrado.")
		_, _ = e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg)
		return
	}

	switch payment.Status {
	case paymentdomain.StatusPaid:
		if e.delivery != nil {
			if err := e.delivery.Deliver(ctx, payment); err != nil {
				e.log.Warn("verify-triggered delivery failed",
					zap.String("payment_id", payment.PaymentID), zap.Error(err))
			}
		}
	case paymentdomain.StatusPending:
		msg := tgbotapi.NewMessage(conv.ChatID, "Ainda não identificamos o pagamento. Assim que confirmar, você recebe aqui.")
		_, _ = e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg)
	default:
		msg := tgbotapi.NewMessage(conv.ChatID, "Este pedido expirou. Gere um novo PIX para continuar.")
		_, _ = e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg)
	}
}

func formatBRL(cents int64) string {
	return fmt.Sprintf("R$ %d,%02d", cents/100, cents%100)
}
