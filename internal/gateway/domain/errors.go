package domain

import "errors"

var (
	// ErrGatewayUnavailable marks transient transport failures after
	// retries are exhausted. No Payment may be persisted past pending
	// creation when it is returned.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrContractViolation marks a permanent normalization failure,
	// such as a missing pix code on a non-refused response.
	ErrContractViolation = errors.New("gateway contract violation")

	ErrInvalidCredentials = errors.New("invalid gateway credentials")
	ErrInvalidPayload     = errors.New("invalid webhook payload")
	ErrUnknownGateway     = errors.New("unknown gateway type")
	ErrRefused            = errors.New("pix creation refused")
)
