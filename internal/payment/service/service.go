package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vendazap/vendazap/internal/clock"
	"github.com/vendazap/vendazap/internal/config"
	"github.com/vendazap/vendazap/internal/gateway/adapters"
	gatewaydomain "github.com/vendazap/vendazap/internal/gateway/domain"
	obsmetrics "github.com/vendazap/vendazap/internal/observability/metrics"
	"github.com/vendazap/vendazap/internal/payment/domain"
	"github.com/vendazap/vendazap/internal/tracking"
	"github.com/vendazap/vendazap/internal/vault"
)

const paymentLockTTL = 30 * time.Second

// Locker serializes payment transitions. Satisfied by ratelimit.Locker.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// AttributionSource reads click snapshots. Satisfied by tracking.Store.
type AttributionSource interface {
	Get(ctx context.Context, token string) (*tracking.Snapshot, error)
	BindPayment(ctx context.Context, paymentID string, token string) error
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Adapters   *adapters.Registry
	Vault      *vault.Vault
	Tracking   AttributionSource
	Locker     Locker
	KV         *redis.Client         `optional:"true"`
	Clock      clock.Clock
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
	Listeners  []domain.PaidListener `group:"payment.listeners"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	adapters   *adapters.Registry
	vault      *vault.Vault
	track      AttributionSource
	locker     Locker
	kv         *redis.Client
	clock      clock.Clock
	cfg        config.Config
	obsMetrics *obsmetrics.Metrics
	listeners  []domain.PaidListener
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		adapters:   p.Adapters,
		vault:      p.Vault,
		track:      p.Tracking,
		locker:     p.Locker,
		kv:         p.KV,
		clock:      p.Clock,
		cfg:        p.Cfg,
		obsMetrics: p.ObsMetrics,
		listeners:  p.Listeners,
	}
}

// CreatePix selects a gateway, requests a PIX charge and persists the
// pending payment with its attribution snapshot.
func (s *Service) CreatePix(ctx context.Context, in *domain.CreatePixInput) (*domain.CreatePixOutput, error) {
	if in == nil || in.Amount <= 0 || in.BotID == 0 || in.TelegramUserID == 0 {
		return nil, domain.ErrCreationFailed
	}

	now := s.clock.Now()

	recent, err := s.repo.FindRecentPending(ctx, s.db, in.BotID, in.TelegramUserID, now.Add(-s.cfg.DuplicatePixWindow))
	if err != nil {
		return nil, err
	}
	if recent != nil {
		if recent.ProductID == in.ProductID {
			return &domain.CreatePixOutput{Payment: recent, Reused: true}, nil
		}
		return nil, domain.ErrCrossProductBlocked
	}

	account, adapter, err := s.selectGateway(ctx, in.OwnerID)
	if err != nil {
		return nil, err
	}

	creds, err := s.decryptCredentials(account, adapter)
	if err != nil {
		return nil, err
	}

	paymentID := "pay_" + s.genID.Generate().String()
	webhookToken := randToken()
	deliveryToken := randToken()

	result, err := adapter.CreatePix(ctx, creds, &gatewaydomain.CreatePixRequest{
		Amount:       in.Amount,
		Description:  in.Description,
		PaymentID:    paymentID,
		WebhookToken: webhookToken,
		WebhookURL:   s.webhookURL(account),
		Customer: gatewaydomain.Customer{
			Name:     in.CustomerName,
			Email:    in.CustomerEmail,
			Phone:    in.CustomerPhone,
			Document: in.CustomerDocument,
		},
	})
	if err != nil {
		if errors.Is(err, gatewaydomain.ErrGatewayUnavailable) {
			s.log.Warn("gateway unavailable on pix creation",
				zap.String("gateway_type", account.GatewayType),
				zap.Int64("owner_id", in.OwnerID),
			)
			return nil, fmt.Errorf("%w: %v", domain.ErrCreationFailed, err)
		}
		return nil, err
	}
	if result.Status == "refused" {
		s.log.Warn("pix creation refused",
			zap.String("gateway_type", account.GatewayType),
			zap.String("reason", result.ErrorMessage),
		)
		return nil, gatewaydomain.ErrRefused
	}

	payment := &domain.Payment{
		ID:                     s.genID.Generate(),
		PaymentID:              paymentID,
		OwnerID:                in.OwnerID,
		BotID:                  in.BotID,
		GatewayID:              account.ID,
		GatewayType:            account.GatewayType,
		GatewayTransactionID:   result.TransactionID,
		GatewayTransactionHash: result.TransactionHash,
		WebhookToken:           webhookToken,
		TrackingToken:          in.TrackingToken,
		DeliveryToken:          deliveryToken,
		TelegramUserID:         in.TelegramUserID,
		ChatID:                 in.ChatID,
		Amount:                 in.Amount,
		Status:                 domain.StatusPending,
		PixCode:                result.PixCode,
		QRImageBase64:          result.QRImageBase64,
		CustomerName:           in.CustomerName,
		CustomerEmail:          in.CustomerEmail,
		CustomerPhone:          in.CustomerPhone,
		CustomerDocument:       in.CustomerDocument,
		ProductName:            in.ProductName,
		ProductID:              in.ProductID,
		IsRemarketing:          in.IsRemarketing,
		FlowStepID:             in.FlowStepID,
		HasSubscription:        in.HasSubscription,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if len(in.ButtonConfig) > 0 {
		payment.ButtonConfig = datatypes.JSON(in.ButtonConfig)
	}
	s.applyAttribution(ctx, payment, in.TrackingToken)

	if err := s.repo.Create(ctx, s.db, payment); err != nil {
		return nil, err
	}
	if in.TrackingToken != "" {
		if err := s.track.BindPayment(ctx, paymentID, in.TrackingToken); err != nil {
			s.log.Warn("failed to bind payment to tracking token", zap.Error(err))
		}
	}

	s.obsMetrics.RecordPaymentCreated(ctx, account.GatewayType)
	s.log.Info("pix created",
		zap.String("payment_id", paymentID),
		zap.String("gateway_type", account.GatewayType),
		zap.Int64("amount", in.Amount),
	)
	return &domain.CreatePixOutput{Payment: payment}, nil
}

// applyAttribution copies the click snapshot onto the payment. Synthetic
// fbc values are never persisted.
func (s *Service) applyAttribution(ctx context.Context, payment *domain.Payment, token string) {
	if token == "" {
		return
	}
	snap, err := s.track.Get(ctx, token)
	if err != nil {
		if !errors.Is(err, tracking.ErrNotFound) {
			s.log.Warn("tracking snapshot lookup failed", zap.Error(err))
		}
		return
	}
	payment.FBCLID = snap.FBCLID
	payment.FBP = snap.FBP
	if snap.FBCOrigin == tracking.FBCOriginCookie {
		payment.FBC = snap.FBC
	}
	payment.UTMSource = snap.UTMSource
	payment.UTMCampaign = snap.UTMCampaign
	payment.UTMMedium = snap.UTMMedium
	payment.UTMContent = snap.UTMContent
	payment.UTMTerm = snap.UTMTerm
	payment.ClientIP = snap.ClientIP
	payment.ClientUserAgent = snap.ClientUserAgent
	payment.PageviewEventID = snap.PageviewEventID
}

// selectGateway picks the highest-priority active verified gateway for
// the owner, weighted round-robin among equals.
func (s *Service) selectGateway(ctx context.Context, ownerID int64) (*gatewaydomain.GatewayAccount, gatewaydomain.Adapter, error) {
	accounts, err := s.repo.ListGateways(ctx, s.db, ownerID)
	if err != nil {
		return nil, nil, err
	}

	eligible := make([]gatewaydomain.GatewayAccount, 0, len(accounts))
	for _, account := range accounts {
		if s.adapters.Exists(account.GatewayType) {
			eligible = append(eligible, account)
		}
	}
	if len(eligible) == 0 {
		return nil, nil, domain.ErrNoEligibleGateway
	}

	top := eligible[:0:len(eligible)]
	for _, account := range eligible {
		if account.Priority == eligible[0].Priority {
			top = append(top, account)
		}
	}

	account := s.pickWeighted(ctx, ownerID, top)
	adapter, err := s.adapters.Get(account.GatewayType)
	if err != nil {
		return nil, nil, err
	}
	return account, adapter, nil
}

func (s *Service) pickWeighted(ctx context.Context, ownerID int64, accounts []gatewaydomain.GatewayAccount) *gatewaydomain.GatewayAccount {
	if len(accounts) == 1 {
		return &accounts[0]
	}
	total := int64(0)
	for _, account := range accounts {
		weight := int64(account.Weight)
		if weight < 1 {
			weight = 1
		}
		total += weight
	}

	tick := int64(0)
	if s.kv != nil {
		n, err := s.kv.Incr(ctx, fmt.Sprintf("gw:rr:%d", ownerID)).Result()
		if err == nil {
			tick = n
		}
	}

	slot := tick % total
	for i := range accounts {
		weight := int64(accounts[i].Weight)
		if weight < 1 {
			weight = 1
		}
		if slot < weight {
			return &accounts[i]
		}
		slot -= weight
	}
	return &accounts[0]
}

func (s *Service) decryptCredentials(account *gatewaydomain.GatewayAccount, adapter gatewaydomain.Adapter) (gatewaydomain.Credentials, error) {
	var encrypted map[string]string
	if err := json.Unmarshal(account.Credentials, &encrypted); err != nil {
		return nil, gatewaydomain.ErrInvalidCredentials
	}
	fields := make(map[string]string, len(encrypted)+1)
	for key, value := range encrypted {
		plain, err := s.vault.Decrypt(value)
		if err != nil {
			return nil, err
		}
		fields[key] = plain
	}
	if account.ProductHash != "" {
		fields["product_hash"] = account.ProductHash
	}
	return adapter.PrepareCredentials(fields)
}

func (s *Service) webhookURL(account *gatewaydomain.GatewayAccount) string {
	return fmt.Sprintf("%s/webhook/payment/%s/%s",
		s.cfg.PublicBaseURL,
		url.PathEscape(account.GatewayType),
		url.PathEscape(account.WebhookSecret),
	)
}

// HandleWebhook ingests one gateway callback. Duplicates are success
// no-ops; unresolvable callbacks return ErrUnresolvedWebhook.
func (s *Service) HandleWebhook(ctx context.Context, gatewayType string, payload []byte, form url.Values, webhookSecret string) error {
	gatewayType = strings.ToLower(strings.TrimSpace(gatewayType))
	adapter, err := s.adapters.Get(gatewayType)
	if err != nil {
		return err
	}

	if webhookSecret != "" {
		account, err := s.repo.FindGatewayBySecret(ctx, s.db, webhookSecret)
		if err != nil {
			return err
		}
		if account == nil || !strings.EqualFold(account.GatewayType, gatewayType) {
			s.log.Warn("webhook secret does not resolve a gateway",
				zap.String("gateway_type", gatewayType),
			)
			return domain.ErrUnresolvedWebhook
		}
	}

	event, err := adapter.ParseWebhook(payload, form)
	if err != nil {
		return err
	}
	s.obsMetrics.RecordWebhookEvent(ctx, gatewayType, event.Status)

	return s.ApplyEvent(ctx, event)
}

// ApplyEvent records the event for audit and applies the status
// transition under the payment lock. Shared with reconciliation.
func (s *Service) ApplyEvent(ctx context.Context, event *gatewaydomain.WebhookEvent) error {
	dedupID := event.GatewayTransactionID
	if dedupID == "" {
		dedupID = event.GatewayTransactionHash
	}
	if dedupID == "" {
		return gatewaydomain.ErrInvalidPayload
	}

	now := s.clock.Now()
	record := &domain.WebhookEventRecord{
		ID:            s.genID.Generate(),
		GatewayType:   event.GatewayType,
		TransactionID: dedupID,
		Status:        event.Status,
		Payload:       datatypes.JSON(event.RawPayload),
		ReceivedAt:    now,
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return err
	}
	if !inserted {
		stored, err := s.repo.FindEvent(ctx, s.db, event.GatewayType, dedupID, event.Status)
		if err != nil {
			return err
		}
		if stored != nil && stored.ProcessedAt != nil {
			s.obsMetrics.RecordWebhookDuplicate(ctx, event.GatewayType)
			return nil
		}
		if stored != nil {
			record = stored
		}
	}

	payment, err := s.resolvePayment(ctx, event)
	if err != nil {
		return err
	}
	if payment == nil {
		s.log.Info("webhook does not resolve a payment",
			zap.String("gateway_type", event.GatewayType),
			zap.String("transaction_id", dedupID),
			zap.String("status", event.Status),
		)
		return domain.ErrUnresolvedWebhook
	}

	if err := s.transition(ctx, payment.PaymentID, event); err != nil {
		return err
	}

	if record.PaymentID == "" {
		record.PaymentID = payment.PaymentID
	}
	return s.repo.MarkEventProcessed(ctx, s.db, record.ID, s.clock.Now())
}

func (s *Service) resolvePayment(ctx context.Context, event *gatewaydomain.WebhookEvent) (*domain.Payment, error) {
	if event.WebhookToken != "" {
		payment, err := s.repo.FindByWebhookToken(ctx, s.db, event.WebhookToken)
		if err != nil || payment != nil {
			return payment, err
		}
	}
	if event.GatewayTransactionID != "" {
		payment, err := s.repo.FindByGatewayTransaction(ctx, s.db, event.GatewayType, event.GatewayTransactionID)
		if err != nil || payment != nil {
			return payment, err
		}
	}
	if event.GatewayTransactionHash != "" {
		payment, err := s.repo.FindByGatewayHash(ctx, s.db, event.GatewayType, event.GatewayTransactionHash)
		if err != nil || payment != nil {
			return payment, err
		}
	}
	if event.ExternalReference != "" {
		return s.repo.FindByPaymentID(ctx, s.db, event.ExternalReference)
	}
	return nil, nil
}

// transition applies a normalized status under the per-payment lock.
func (s *Service) transition(ctx context.Context, paymentID string, event *gatewaydomain.WebhookEvent) error {
	lockKey := "lock:payment:" + paymentID
	token, ok, err := s.locker.TryLock(ctx, lockKey, paymentLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrLockContention
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.log.Warn("failed to release payment lock", zap.String("payment_id", paymentID), zap.Error(err))
		}
	}()

	var paid *domain.Payment
	err = s.db.Transaction(func(tx *gorm.DB) error {
		payment, err := s.repo.FindByPaymentID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return domain.ErrNotFound
		}

		target := normalizedTarget(event.Status)
		if target == "" || payment.Status == target {
			return nil
		}
		if !domain.CanTransition(payment.Status, target) {
			// Late or out-of-order callback; acknowledged as no-op.
			return nil
		}

		now := s.clock.Now()
		payment.Status = target
		payment.UpdatedAt = now
		if target == domain.StatusPaid {
			payment.PaidAt = &now
			payment.NetAmount = payment.Amount
			if event.Amount > 0 && event.Amount <= payment.Amount {
				payment.NetAmount = event.Amount
			}
			if payment.CustomerName == "" {
				payment.CustomerName = event.PayerName
			}
			if payment.CustomerDocument == "" {
				payment.CustomerDocument = event.PayerDocument
			}
			paid = payment
		}
		if err := s.repo.Update(ctx, tx, payment); err != nil {
			return err
		}
		s.obsMetrics.RecordPaymentTransition(ctx, payment.GatewayType, target)
		return nil
	})
	if err != nil {
		return err
	}

	if paid != nil {
		s.log.Info("payment paid",
			zap.String("payment_id", paid.PaymentID),
			zap.String("gateway_type", paid.GatewayType),
			zap.Int64("amount", paid.Amount),
		)
		s.notifyPaid(ctx, paid)
	}
	return nil
}

// notifyPaid runs after the transition commit so listeners never observe
// an uncommitted paid state.
func (s *Service) notifyPaid(ctx context.Context, payment *domain.Payment) {
	for _, listener := range s.listeners {
		listener.OnPaymentPaid(ctx, payment)
	}
}

func normalizedTarget(status string) string {
	switch status {
	case gatewaydomain.StatusPaid:
		return domain.StatusPaid
	case gatewaydomain.StatusFailed:
		return domain.StatusFailed
	case domain.StatusExpired:
		return domain.StatusExpired
	case domain.StatusCancelled:
		return domain.StatusCancelled
	case domain.StatusRefunded:
		return domain.StatusRefunded
	default:
		return ""
	}
}

// Status returns the payment for verify callbacks.
func (s *Service) Status(ctx context.Context, paymentID string) (*domain.Payment, error) {
	payment, err := s.repo.FindByPaymentID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrNotFound
	}
	return payment, nil
}

func randToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
