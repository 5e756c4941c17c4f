package paypal

import "errors"

var (
	// ErrGatewayUnreachable means the gateway could not be reached or answered
	// with a server error. Retryable; callers must not change any state.
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")

	// ErrOrderNotFound means the gateway has no order for the given id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrSignatureInvalid means a webhook payload failed signature verification.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
)
