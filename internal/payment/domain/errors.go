package domain

import "errors"

var (
	ErrNotFound            = errors.New("payment not found")
	ErrInvalidTransition   = errors.New("invalid payment transition")
	ErrDuplicateEvent      = errors.New("duplicate payment event")
	ErrUnresolvedWebhook   = errors.New("webhook does not match any payment")
	ErrNoEligibleGateway   = errors.New("no eligible gateway for owner")
	ErrCreationFailed      = errors.New("payment creation failed")
	ErrCrossProductBlocked = errors.New("another pix was generated moments ago")
	ErrLockContention      = errors.New("payment is being processed")
)
