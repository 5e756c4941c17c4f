package models

import "time"

const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusRefunded  = "REFUNDED"
)

const (
	KindExhibitorSlots = "exhibitor-slots"
	KindSessionSlots   = "session-slots"
	KindModule         = "module"
)

// LedgerEntry records a single payment's effect on an account's quota.
// PaymentID is the external gateway order id and acts as the idempotency key:
// Applied can only flip to true once per PaymentID, no matter how many times
// the payment is reported.
type LedgerEntry struct {
	ID            string
	PaymentID     string
	AccountID     string
	Kind          string
	Units         int64
	PaidCents     int64
	Currency      string
	PreviousQuota int64
	NewQuota      int64
	Status        string
	Applied       bool
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ValidKind reports whether kind names a purchasable capacity.
func ValidKind(kind string) bool {
	switch kind {
	case KindExhibitorSlots, KindSessionSlots, KindModule:
		return true
	}
	return false
}

// ValidStatus reports whether status is a known ledger status.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}
