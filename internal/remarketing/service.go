package remarketing

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	botdomain "github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/clock"
	obsmetrics "github.com/vendazap/vendazap/internal/observability/metrics"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	"github.com/vendazap/vendazap/internal/remarketing/domain"
	"github.com/vendazap/vendazap/internal/telegram"
	"github.com/vendazap/vendazap/internal/tracking"
)

const (
	scanBatch  = 200
	drainBatch = 100
	markerTTL  = 24 * time.Hour
)

// ClientSource resolves the live Telegram client of a bot session.
type ClientSource interface {
	Client(botID int64) telegram.API
}

// JobQueue is the delayed-job queue surface the service schedules
// through.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.Job) error
	Due(ctx context.Context, botID int64, nowUnix int64, limit int64) ([]domain.Job, error)
	EvictUser(ctx context.Context, botID, telegramUserID int64) (int, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     domain.Repository
	Bots     botdomain.Repository
	Payments paymentdomain.Repository
	Queue    JobQueue
	Sender   *telegram.Sender
	Clients  ClientSource
	Clock    clock.Clock
	KV       *redis.Client       `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Service schedules and drains per-bot remarketing queues. Campaign
// scans enqueue; the drain sends under the bot rate limiter; paying
// users are evicted before their messages fire.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	bots     botdomain.Repository
	payments paymentdomain.Repository
	queue    JobQueue
	sender   *telegram.Sender
	clients  ClientSource
	clock    clock.Clock
	kv       *redis.Client
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("remarketing"),
		repo:     p.Repo,
		bots:     p.Bots,
		payments: p.Payments,
		queue:    p.Queue,
		sender:   p.Sender,
		clients:  p.Clients,
		clock:    p.Clock,
		kv:       p.KV,
		metrics:  p.Metrics,
	}
}

// ScheduleHooks enqueues the funnel's downsell or upsell messages for
// one user, anchored on now.
func (s *Service) ScheduleHooks(ctx context.Context, botID, chatID, userID int64, paymentID string, hooks []botdomain.RemarketingHook, trigger string) error {
	now := s.clock.Now()
	for i, hook := range hooks {
		if hook.Message == "" {
			continue
		}
		job := &domain.Job{
			ID:             fmt.Sprintf("%s_%s_%d_%s", trigger, paymentID, i, tracking.NewToken()),
			BotID:          botID,
			ChatID:         chatID,
			TelegramUserID: userID,
			TriggerType:    trigger,
			Message:        hook.Message,
			MediaURL:       hook.MediaURL,
			ButtonLabel:    hook.ButtonLabel,
			ButtonData:     fmt.Sprintf("buy_%d", hook.ButtonIndex),
			PaymentID:      paymentID,
			ExecuteAt:      now.Add(time.Duration(hook.DelayMinutes) * time.Minute),
			EnqueuedAt:     now,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// OnPaymentPaid cancels the user's pending jobs on the bot and, when
// the funnel declares upsells, schedules them.
func (s *Service) OnPaymentPaid(ctx context.Context, payment *paymentdomain.Payment) {
	evicted, err := s.queue.EvictUser(ctx, payment.BotID, payment.TelegramUserID)
	if err != nil {
		s.log.Warn("queue eviction failed",
			zap.Int64("bot_id", payment.BotID),
			zap.Int64("telegram_user_id", payment.TelegramUserID),
			zap.Error(err),
		)
	} else if evicted > 0 {
		s.log.Info("remarketing jobs evicted after conversion",
			zap.Int64("bot_id", payment.BotID),
			zap.Int("jobs", evicted),
		)
	}

	bot, err := s.bots.FindBotByID(ctx, s.db, payment.BotID)
	if err != nil || bot == nil {
		return
	}
	cfg, err := botdomain.ParseFunnelConfig(bot.FunnelConfig)
	if err != nil || len(cfg.Upsells) == 0 {
		return
	}
	if err := s.ScheduleHooks(ctx, payment.BotID, payment.ChatID, payment.TelegramUserID, payment.PaymentID, cfg.Upsells, domain.TriggerPostSale); err != nil {
		s.log.Warn("upsell scheduling failed", zap.String("payment_id", payment.PaymentID), zap.Error(err))
	}
}

// ScanCampaigns walks every running bot's active campaigns and
// enqueues due recipients. A KV marker keeps each (campaign, user)
// pair from re-enqueueing inside the marker TTL.
func (s *Service) ScanCampaigns(ctx context.Context) error {
	bots, err := s.bots.ListRunningBots(ctx, s.db)
	if err != nil {
		return err
	}
	for i := range bots {
		bot := &bots[i]
		campaigns, err := s.repo.ListActiveCampaigns(ctx, s.db, int64(bot.ID))
		if err != nil {
			s.log.Warn("campaign list failed", zap.Int64("bot_id", int64(bot.ID)), zap.Error(err))
			continue
		}
		for j := range campaigns {
			s.scanCampaign(ctx, bot, &campaigns[j])
		}
	}
	return nil
}

func (s *Service) scanCampaign(ctx context.Context, bot *botdomain.Bot, campaign *domain.Campaign) {
	botID := int64(bot.ID)
	delay := time.Duration(campaign.DelayMinutes) * time.Minute
	cutoff := s.clock.Now().Add(-delay)

	switch campaign.TriggerType {
	case domain.TriggerNoClick:
		users, err := s.bots.ListIdleBotUsers(ctx, s.db, botID, cutoff, scanBatch)
		if err != nil {
			return
		}
		for i := range users {
			user := &users[i]
			paid, err := s.payments.HasPaidPayment(ctx, s.db, botID, user.TelegramUserID, "")
			if err != nil || paid {
				continue
			}
			s.enqueueCampaign(ctx, campaign, user.ChatID, user.TelegramUserID, "")
		}

	case domain.TriggerAbandonedCart:
		payments, err := s.payments.ListPendingForBot(ctx, s.db, botID, cutoff, scanBatch)
		if err != nil {
			return
		}
		for i := range payments {
			p := &payments[i]
			paid, err := s.payments.HasPaidPayment(ctx, s.db, botID, p.TelegramUserID, p.ProductID)
			if err != nil || paid {
				continue
			}
			s.enqueueCampaign(ctx, campaign, p.ChatID, p.TelegramUserID, p.PaymentID)
		}

	case domain.TriggerPostSale:
		payments, err := s.payments.ListRecentPaid(ctx, s.db, botID, cutoff, scanBatch)
		if err != nil {
			return
		}
		for i := range payments {
			p := &payments[i]
			if p.PaidAt != nil {
				again, err := s.payments.HasPaidPaymentSince(ctx, s.db, botID, p.TelegramUserID, *p.PaidAt)
				if err != nil || again {
					continue
				}
			}
			s.enqueueCampaign(ctx, campaign, p.ChatID, p.TelegramUserID, p.PaymentID)
		}
	}
}

func (s *Service) enqueueCampaign(ctx context.Context, campaign *domain.Campaign, chatID, userID int64, paymentID string) {
	if s.kv != nil {
		marker := fmt.Sprintf("remarketing:mark:%d:%d", int64(campaign.ID), userID)
		ok, err := s.kv.SetNX(ctx, marker, 1, markerTTL).Result()
		if err == nil && !ok {
			return
		}
	}
	job := &domain.Job{
		ID:             fmt.Sprintf("cmp_%d_%d_%s", int64(campaign.ID), userID, tracking.NewToken()),
		BotID:          campaign.BotID,
		ChatID:         chatID,
		TelegramUserID: userID,
		CampaignID:     int64(campaign.ID),
		TriggerType:    campaign.TriggerType,
		Message:        campaign.Message,
		MediaURL:       campaign.MediaURL,
		PaymentID:      paymentID,
		ExecuteAt:      s.clock.Now(),
		EnqueuedAt:     s.clock.Now(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.log.Warn("campaign enqueue rejected",
			zap.Int64("bot_id", campaign.BotID),
			zap.String("trigger_type", campaign.TriggerType),
			zap.Error(err),
		)
	}
}

// Drain pops due jobs for every running bot and sends them. The skip
// rules run at send time, so late conversions still cancel.
func (s *Service) Drain(ctx context.Context) error {
	bots, err := s.bots.ListRunningBots(ctx, s.db)
	if err != nil {
		return err
	}
	now := s.clock.Now().Unix()
	for i := range bots {
		botID := int64(bots[i].ID)
		jobs, err := s.queue.Due(ctx, botID, now, drainBatch)
		if err != nil {
			s.log.Warn("queue drain failed", zap.Int64("bot_id", botID), zap.Error(err))
			continue
		}
		for j := range jobs {
			s.deliver(ctx, &jobs[j])
		}
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, job *domain.Job) {
	if reason := s.shouldSkip(ctx, job); reason != "" {
		s.metrics.RecordRemarketingSkipped(ctx, reason)
		return
	}

	api := s.clients.Client(job.BotID)
	if api == nil {
		s.metrics.RecordRemarketingSkipped(ctx, "bot_offline")
		return
	}

	if job.MediaURL != "" {
		photo := tgbotapi.NewPhoto(job.ChatID, tgbotapi.FileURL(job.MediaURL))
		if _, err := s.sender.Send(ctx, api, job.BotID, job.ChatID, photo); err != nil {
			s.log.Warn("remarketing media send failed", zap.Int64("bot_id", job.BotID), zap.Error(err))
		}
	}
	msg := tgbotapi.NewMessage(job.ChatID, job.Message)
	if job.ButtonLabel != "" && job.ButtonData != "" {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(job.ButtonLabel, job.ButtonData),
			),
		)
	}
	if _, err := s.sender.Send(ctx, api, job.BotID, job.ChatID, msg); err != nil {
		s.metrics.RecordRemarketingSkipped(ctx, "send_error")
		s.log.Warn("remarketing send failed",
			zap.Int64("bot_id", job.BotID),
			zap.Int64("chat_id", job.ChatID),
			zap.Error(err),
		)
		return
	}
	s.metrics.RecordRemarketingSent(ctx, job.TriggerType)
}

func (s *Service) shouldSkip(ctx context.Context, job *domain.Job) string {
	blacklisted, err := s.repo.IsBlacklisted(ctx, s.db, job.BotID, job.TelegramUserID)
	if err == nil && blacklisted {
		return "blacklisted"
	}

	switch job.TriggerType {
	case domain.TriggerNoClick:
		if user, err := s.bots.FindBotUser(ctx, s.db, job.BotID, job.TelegramUserID); err == nil && user != nil {
			if user.LastInteractionAt.After(job.EnqueuedAt) {
				return "interacted"
			}
		}
		if paid, err := s.payments.HasPaidPayment(ctx, s.db, job.BotID, job.TelegramUserID, ""); err == nil && paid {
			return "converted"
		}
	case domain.TriggerAbandonedCart:
		if job.PaymentID != "" {
			if payment, err := s.payments.FindByPaymentID(ctx, s.db, job.PaymentID); err == nil && payment != nil {
				if payment.Status != paymentdomain.StatusPending {
					return "converted"
				}
			}
		}
	case domain.TriggerPostSale:
		// An upsell anchored on one sale goes stale the moment the user
		// buys again on their own.
		anchor := job.EnqueuedAt
		if job.PaymentID != "" {
			if payment, err := s.payments.FindByPaymentID(ctx, s.db, job.PaymentID); err == nil &&
				payment != nil && payment.PaidAt != nil {
				anchor = *payment.PaidAt
			}
		}
		if again, err := s.payments.HasPaidPaymentSince(ctx, s.db, job.BotID, job.TelegramUserID, anchor); err == nil && again {
			return "converted_again"
		}
	}
	return ""
}
