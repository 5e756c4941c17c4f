package entitlement

import "errors"

var (
	// ErrAccountNotFound means the payment references an account this
	// service has no record of.
	ErrAccountNotFound = errors.New("account not found")

	// ErrLedgerEntryNotFound means no ledger entry exists for the payment id.
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")

	// ErrAmountMismatch means the verified paid amount does not match the
	// expected price for the requested units. The quota is never touched.
	ErrAmountMismatch = errors.New("paid amount does not match expected amount")

	// ErrInvalidTransition is a data-integrity failure, such as a COMPLETED
	// notification arriving for an already refunded payment.
	ErrInvalidTransition = errors.New("invalid ledger status transition")

	// ErrInvalidRequest covers malformed apply requests (unknown kind or
	// status, non-positive units).
	ErrInvalidRequest = errors.New("invalid entitlement request")
)
