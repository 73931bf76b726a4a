package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	botdomain "github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/clock"
	obsmetrics "github.com/vendazap/vendazap/internal/observability/metrics"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	subdomain "github.com/vendazap/vendazap/internal/subscription/domain"
	"github.com/vendazap/vendazap/internal/telegram"
)

// SubscriptionStarter creates the VIP membership row for a delivered
// payment.
type SubscriptionStarter interface {
	Start(ctx context.Context, payment *paymentdomain.Payment, durationType string, durationValue int, vipChatID int64, active bool) (*subdomain.Subscription, error)
}

// ClientSource resolves the live Telegram client of a bot session.
type ClientSource interface {
	Client(botID int64) telegram.API
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Bots     botdomain.Repository
	Payments paymentdomain.Repository
	Sender   *telegram.Sender
	Clients  ClientSource
	Subs     SubscriptionStarter `optional:"true"`
	Clock    clock.Clock
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Service sends the delivery message exactly once per paid payment,
// guarded by a compare-and-set on the delivery token.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	bots     botdomain.Repository
	payments paymentdomain.Repository
	sender   *telegram.Sender
	clients  ClientSource
	subs     SubscriptionStarter
	clock    clock.Clock
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("delivery"),
		bots:     p.Bots,
		payments: p.Payments,
		sender:   p.Sender,
		clients:  p.Clients,
		subs:     p.Subs,
		clock:    p.Clock,
		metrics:  p.Metrics,
	}
}

// OnPaymentPaid is the paid-listener entry point.
func (s *Service) OnPaymentPaid(ctx context.Context, payment *paymentdomain.Payment) {
	if err := s.Deliver(ctx, payment); err != nil {
		s.log.Warn("delivery failed", zap.String("payment_id", payment.PaymentID), zap.Error(err))
	}
}

// Deliver sends the content for a paid payment. Duplicate calls are
// no-ops: the first claim on the delivery token wins.
func (s *Service) Deliver(ctx context.Context, payment *paymentdomain.Payment) error {
	if payment.Status != paymentdomain.StatusPaid {
		return nil
	}

	claimed, err := s.payments.ClaimDelivery(ctx, s.db, payment.DeliveryToken, s.clock.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	err = s.deliverClaimed(ctx, payment)
	switch {
	case err == nil:
		s.metrics.RecordDelivery(ctx, "sent")
		return nil
	case errors.Is(err, telegram.ErrUnreachable):
		// Terminal for this (bot, user): the claim stays so nobody
		// retries into a blocked chat.
		s.metrics.RecordDelivery(ctx, "unreachable")
		s.log.Warn("recipient unreachable",
			zap.String("payment_id", payment.PaymentID),
			zap.Int64("bot_id", payment.BotID),
			zap.Int64("telegram_user_id", payment.TelegramUserID),
		)
		return nil
	default:
		// Transient: release the claim so a verify press or the next
		// webhook redelivery tries again.
		if relErr := s.payments.ReleaseDelivery(context.WithoutCancel(ctx), s.db, payment.DeliveryToken); relErr != nil {
			s.log.Error("delivery claim release failed",
				zap.String("payment_id", payment.PaymentID), zap.Error(relErr))
		}
		s.metrics.RecordDelivery(ctx, "error")
		return err
	}
}

func (s *Service) deliverClaimed(ctx context.Context, payment *paymentdomain.Payment) error {
	bot, err := s.bots.FindBotByID(ctx, s.db, payment.BotID)
	if err != nil {
		return err
	}
	if bot == nil {
		return botdomain.ErrNotFound
	}
	api := s.clients.Client(payment.BotID)
	if api == nil {
		return fmt.Errorf("delivery: bot %d session not running", payment.BotID)
	}

	spec := subscriptionSpec(payment)
	vipChatID := bot.VIPChatID
	if spec != nil && spec.VIPChatID != 0 {
		vipChatID = spec.VIPChatID
	}

	inviteLink := ""
	if payment.HasSubscription && spec.Valid() && vipChatID != 0 {
		link, err := s.sender.CreateInviteLink(ctx, api, payment.BotID, vipChatID)
		if err != nil {
			s.log.Warn("invite link creation failed",
				zap.String("payment_id", payment.PaymentID),
				zap.Int64("vip_chat_id", vipChatID),
				zap.Error(err),
			)
		} else {
			inviteLink = link
		}
	}

	text := s.renderMessage(bot, payment)
	if inviteLink != "" {
		text += "\n\nSeu acesso VIP: " + inviteLink
	}
	msg := tgbotapi.NewMessage(payment.ChatID, text)
	if _, err := s.sender.Send(ctx, api, payment.BotID, payment.ChatID, msg); err != nil {
		return err
	}

	if payment.HasSubscription && spec.Valid() && vipChatID != 0 && s.subs != nil {
		if _, err := s.subs.Start(ctx, payment, spec.DurationType, spec.DurationValue, vipChatID, inviteLink != ""); err != nil {
			s.log.Error("subscription start failed",
				zap.String("payment_id", payment.PaymentID), zap.Error(err))
		}
	}

	s.log.Info("delivery sent",
		zap.String("payment_id", payment.PaymentID),
		zap.Int64("bot_id", payment.BotID),
		zap.Bool("vip", inviteLink != ""),
	)
	return nil
}

func (s *Service) renderMessage(bot *botdomain.Bot, payment *paymentdomain.Payment) string {
	if cfg, err := botdomain.ParseFunnelConfig(bot.FunnelConfig); err == nil && cfg.DeliveryMessage != "" {
		return cfg.DeliveryMessage
	}
	if bot.DeliveryMessage != "" {
		return bot.DeliveryMessage
	}
	return fmt.Sprintf("Pagamento confirmado! ✅\n\nObrigado pela compra de %s.", payment.ProductName)
}

// subscriptionSpec digs the duration spec out of the button or step
// config the payment was created with.
func subscriptionSpec(payment *paymentdomain.Payment) *botdomain.SubscriptionSpec {
	if len(payment.ButtonConfig) == 0 {
		return nil
	}
	var wrapper struct {
		Subscription *botdomain.SubscriptionSpec `json:"subscription"`
	}
	if err := json.Unmarshal(payment.ButtonConfig, &wrapper); err != nil {
		return nil
	}
	return wrapper.Subscription
}
