package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	gatewaydomain "github.com/vendazap/vendazap/internal/gateway/domain"
	"github.com/vendazap/vendazap/internal/payment/domain"
)

const (
	reconcileGrace = 2 * time.Minute
	reconcileBatch = 100
)

// Reconcile pulls the gateway-side status of stale pending payments and
// feeds paid or failed outcomes through the normal transition path.
func (s *Service) Reconcile(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-reconcileGrace)
	payments, err := s.repo.ListStalePending(ctx, s.db, cutoff, reconcileBatch)
	if err != nil {
		return err
	}

	for i := range payments {
		payment := &payments[i]
		if err := s.reconcileOne(ctx, payment); err != nil {
			if errors.Is(err, domain.ErrLockContention) {
				// A live webhook holds the lock; it wins.
				continue
			}
			s.log.Warn("reconciliation failed",
				zap.String("payment_id", payment.PaymentID),
				zap.String("gateway_type", payment.GatewayType),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) reconcileOne(ctx context.Context, payment *domain.Payment) error {
	adapter, err := s.adapters.Get(payment.GatewayType)
	if err != nil {
		return err
	}
	fetcher, ok := adapter.(gatewaydomain.TransactionFetcher)
	if !ok {
		return nil
	}
	transactionID := payment.GatewayTransactionID
	if transactionID == "" {
		transactionID = payment.GatewayTransactionHash
	}
	if transactionID == "" {
		return nil
	}

	account, err := s.repo.FindGatewayByID(ctx, s.db, payment.GatewayID)
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}
	creds, err := s.decryptCredentials(account, adapter)
	if err != nil {
		return err
	}

	event, err := fetcher.GetTransaction(ctx, creds, transactionID)
	if err != nil {
		return err
	}
	if event.Status == gatewaydomain.StatusPending {
		return nil
	}
	if event.WebhookToken == "" {
		event.WebhookToken = payment.WebhookToken
	}
	return s.ApplyEvent(ctx, event)
}

// ExpirePending moves pending payments older than the configured TTL to
// expired, through the same locked transition path as webhooks.
func (s *Service) ExpirePending(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.PendingPaymentTTL)
	payments, err := s.repo.ListStalePending(ctx, s.db, cutoff, reconcileBatch)
	if err != nil {
		return err
	}

	for i := range payments {
		payment := &payments[i]
		err := s.transition(ctx, payment.PaymentID, &gatewaydomain.WebhookEvent{
			GatewayType:          payment.GatewayType,
			GatewayTransactionID: payment.GatewayTransactionID,
			Status:               domain.StatusExpired,
			OccurredAt:           s.clock.Now(),
		})
		if err != nil && !errors.Is(err, domain.ErrLockContention) {
			s.log.Warn("pending payment expiry failed",
				zap.String("payment_id", payment.PaymentID),
				zap.Error(err),
			)
		}
	}
	return nil
}
