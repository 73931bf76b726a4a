package domain

import "context"

// CreatePixInput is what the funnel engines hand the orchestrator.
type CreatePixInput struct {
	OwnerID        int64
	BotID          int64
	ChatID         int64
	TelegramUserID int64

	Amount      int64
	Description string
	ProductID   string
	ProductName string

	CustomerName     string
	CustomerEmail    string
	CustomerPhone    string
	CustomerDocument string

	TrackingToken   string
	HasSubscription bool
	IsRemarketing   bool
	FlowStepID      string
	ButtonConfig    []byte
}

// CreatePixOutput carries the persisted payment. Reused is true when an
// existing pending charge for the same product was returned instead of
// creating a new one.
type CreatePixOutput struct {
	Payment *Payment
	Reused  bool
}

// PaidListener is notified after a payment commits its transition to
// paid. Implementations must tolerate redelivery.
type PaidListener interface {
	OnPaymentPaid(ctx context.Context, payment *Payment)
}
