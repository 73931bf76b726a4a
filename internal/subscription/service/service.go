package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/vendazap/vendazap/internal/clock"
	obsmetrics "github.com/vendazap/vendazap/internal/observability/metrics"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	"github.com/vendazap/vendazap/internal/subscription/domain"
	"github.com/vendazap/vendazap/internal/telegram"
)

const (
	sweepBatch      = 200
	pendingRecheck  = 30 * time.Minute
	failedRetryGap  = 30 * time.Minute
	removalBackoff  = 2 * time.Minute
)

// ClientSource resolves the live Telegram client of a bot session.
type ClientSource interface {
	Client(botID int64) telegram.API
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    domain.Repository
	Sender  *telegram.Sender
	Clients ClientSource
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Service runs the VIP membership lifecycle: start on delivery, sweep
// expiries, remove members, retry failures.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	sender  *telegram.Sender
	clients ClientSource
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription"),
		repo:    p.Repo,
		sender:  p.Sender,
		clients: p.Clients,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// Start creates the subscription row for a paid payment. Idempotent:
// a second call for the same payment returns the existing row.
func (s *Service) Start(ctx context.Context, payment *paymentdomain.Payment, durationType string, durationValue int, vipChatID int64, active bool) (*domain.Subscription, error) {
	existing, err := s.repo.FindByPaymentID(ctx, s.db, payment.PaymentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	status := domain.StatusActive
	if !active {
		status = domain.StatusPending
	}
	sub := &domain.Subscription{
		PaymentID:      payment.PaymentID,
		BotID:          payment.BotID,
		TelegramUserID: payment.TelegramUserID,
		DurationType:   durationType,
		DurationValue:  durationValue,
		VIPChatID:      vipChatID,
		StartedAt:      now,
		ExpiresAt:      domain.ExpiryFor(now, durationType, durationValue),
		Status:         status,
	}
	if err := s.repo.Create(ctx, s.db, sub); err != nil {
		return nil, err
	}
	s.log.Info("subscription started",
		zap.String("payment_id", payment.PaymentID),
		zap.Int64("bot_id", payment.BotID),
		zap.Time("expires_at", sub.ExpiresAt),
	)
	return sub, nil
}

// SweepExpiring removes members whose subscription ran out. Removal is
// a ban+unban pair so the user can re-buy later.
func (s *Service) SweepExpiring(ctx context.Context) error {
	subs, err := s.repo.ListExpiring(ctx, s.db, s.clock.Now(), sweepBatch)
	if err != nil {
		return err
	}
	for i := range subs {
		s.removeMember(ctx, &subs[i])
	}
	return nil
}

// SweepRetryFailed re-attempts removal of failed subscriptions.
func (s *Service) SweepRetryFailed(ctx context.Context) error {
	subs, err := s.repo.ListRetryable(ctx, s.db, s.clock.Now(), sweepBatch)
	if err != nil {
		return err
	}
	for i := range subs {
		s.removeMember(ctx, &subs[i])
	}
	return nil
}

func (s *Service) removeMember(ctx context.Context, sub *domain.Subscription) {
	now := s.clock.Now()
	api := s.clients.Client(sub.BotID)
	var removeErr error
	if api == nil {
		removeErr = errors.New("bot session not running")
	} else {
		removeErr = s.sender.RemoveChatMember(ctx, api, sub.BotID, sub.VIPChatID, sub.TelegramUserID)
	}

	if removeErr == nil || errors.Is(removeErr, telegram.ErrUnreachable) {
		// Unreachable means the user already left; removal is done
		// either way.
		sub.Status = domain.StatusRemoved
		sub.LastError = ""
		sub.NextTryAt = nil
		if err := s.repo.Update(ctx, s.db, sub); err != nil {
			s.log.Warn("subscription update failed", zap.String("payment_id", sub.PaymentID), zap.Error(err))
			return
		}
		s.metrics.RecordSubscriptionSweep(ctx, "removed")
		s.log.Info("vip member removed",
			zap.String("payment_id", sub.PaymentID),
			zap.Int64("bot_id", sub.BotID),
			zap.Int64("telegram_user_id", sub.TelegramUserID),
		)
		return
	}

	sub.ErrorCount++
	sub.LastError = removeErr.Error()
	backoff := removalBackoff * time.Duration(1<<uint(sub.ErrorCount-1))
	next := now.Add(backoff)
	sub.NextTryAt = &next
	if sub.ErrorCount >= domain.MaxRemovalErrors {
		sub.Status = domain.StatusFailed
		next := now.Add(failedRetryGap)
		sub.NextTryAt = &next
	} else if sub.Status == domain.StatusActive {
		sub.Status = domain.StatusExpired
	}
	if err := s.repo.Update(ctx, s.db, sub); err != nil {
		s.log.Warn("subscription update failed", zap.String("payment_id", sub.PaymentID), zap.Error(err))
		return
	}
	s.metrics.RecordSubscriptionSweep(ctx, "retry")
	s.log.Warn("vip removal failed",
		zap.String("payment_id", sub.PaymentID),
		zap.Int64("bot_id", sub.BotID),
		zap.Int("error_count", sub.ErrorCount),
		zap.Error(removeErr),
	)
}

// SweepPending rechecks memberships whose invite went out but was
// never observed as joined.
func (s *Service) SweepPending(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-pendingRecheck)
	subs, err := s.repo.ListPendingStale(ctx, s.db, cutoff, sweepBatch)
	if err != nil {
		return err
	}
	for i := range subs {
		sub := &subs[i]
		api := s.clients.Client(sub.BotID)
		if api == nil {
			continue
		}
		member, err := s.chatMemberStatus(ctx, api, sub)
		if err != nil {
			s.log.Warn("membership recheck failed", zap.String("payment_id", sub.PaymentID), zap.Error(err))
			continue
		}
		if member {
			sub.Status = domain.StatusActive
			if err := s.repo.Update(ctx, s.db, sub); err != nil {
				s.log.Warn("subscription update failed", zap.String("payment_id", sub.PaymentID), zap.Error(err))
			}
			s.metrics.RecordSubscriptionSweep(ctx, "activated")
		}
	}
	return nil
}

func (s *Service) chatMemberStatus(ctx context.Context, api telegram.API, sub *domain.Subscription) (bool, error) {
	resp, err := s.sender.Request(ctx, api, sub.BotID, tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: sub.VIPChatID,
			UserID: sub.TelegramUserID,
		},
	})
	if err != nil {
		return false, err
	}
	var member tgbotapi.ChatMember
	if err := json.Unmarshal(resp.Result, &member); err != nil {
		return false, err
	}
	switch member.Status {
	case "member", "administrator", "creator":
		return true, nil
	}
	return false, nil
}
