package entitlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"expodesk.app/cloud/internal/logger"
	"expodesk.app/cloud/models"
	"expodesk.app/cloud/storage"
	"github.com/google/uuid"
)

// PriceTable maps a purchase kind to its fixed per-unit price in cents.
type PriceTable map[string]int64

// Notifier receives the final ledger entry after a quota change has
// committed. Failures are logged by the applier and never roll anything back.
type Notifier interface {
	QuotaChanged(ctx context.Context, account *models.Account, entry *models.LedgerEntry) error
}

// Applier owns every mutation of account capacity counters. All counter
// changes funnel through Apply and Reverse; request handlers never write
// counters directly.
//
// Apply is serialized per payment id, which is what makes the race between
// the synchronous capture path and the webhook path safe: whichever caller
// enters first applies, the second observes applied=true and gets the same
// entry back.
type Applier struct {
	Store    storage.Storage
	Prices   PriceTable
	Currency string
	Notifier Notifier

	locks paymentLocks
}

// ApplyRequest carries a verified payment into the ledger. Status must come
// from the payment verifier or a signature-checked webhook, never from a
// client-supplied field.
type ApplyRequest struct {
	AccountID string
	PaymentID string
	Kind      string
	Units     int64
	PaidCents int64
	Currency  string
	Status    string
}

func NewApplier(store storage.Storage, prices PriceTable, currency string, notifier Notifier) *Applier {
	return &Applier{
		Store:    store,
		Prices:   prices,
		Currency: currency,
		Notifier: notifier,
	}
}

// ExpectedCents computes the price for units of kind. Module activation is a
// flat price regardless of units.
func (a *Applier) ExpectedCents(kind string, units int64) (int64, error) {
	price, ok := a.Prices[kind]
	if !ok {
		return 0, fmt.Errorf("%w: no price for kind %q", ErrInvalidRequest, kind)
	}
	if kind == models.KindModule {
		return price, nil
	}
	if units < 1 {
		return 0, fmt.Errorf("%w: units must be positive", ErrInvalidRequest)
	}
	return price * units, nil
}

// UnitsForAmount derives a unit count from a verified paid amount, used by
// the webhook path when no ledger entry exists yet and the delivery carries
// no unit count of its own.
func (a *Applier) UnitsForAmount(kind string, paidCents int64) (int64, error) {
	price, ok := a.Prices[kind]
	if !ok {
		return 0, fmt.Errorf("%w: no price for kind %q", ErrInvalidRequest, kind)
	}
	if kind == models.KindModule {
		if paidCents != price {
			return 0, fmt.Errorf("%w: module price is %d, paid %d", ErrAmountMismatch, price, paidCents)
		}
		return 1, nil
	}
	if price <= 0 || paidCents <= 0 || paidCents%price != 0 {
		return 0, fmt.Errorf("%w: paid %d is not a multiple of unit price %d", ErrAmountMismatch, paidCents, price)
	}
	return paidCents / price, nil
}

// Apply records a verified payment and, when the verified status is
// COMPLETED, increments the account's capacity counter exactly once per
// payment id. Re-applying an already applied payment returns the existing
// entry unchanged.
func (a *Applier) Apply(ctx context.Context, req ApplyRequest) (*models.LedgerEntry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock := a.locks.lock(req.PaymentID)
	defer unlock()

	entry, err := a.Store.FindLedgerEntryByPaymentID(ctx, req.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}

	if entry != nil {
		// Idempotent no-op: whoever got here first already granted the
		// capacity. Both front doors converge on this branch.
		if entry.Applied {
			logger.Info("Payment already applied, returning existing entry", map[string]interface{}{
				"payment_id": req.PaymentID,
				"account_id": entry.AccountID,
			})
			return entry, nil
		}
		if entry.Status == models.StatusRefunded {
			if req.Status == models.StatusCompleted {
				logger.Error("Completed notification for refunded payment", map[string]interface{}{
					"payment_id": req.PaymentID,
					"account_id": entry.AccountID,
				})
				return nil, fmt.Errorf("%w: payment %s already refunded", ErrInvalidTransition, req.PaymentID)
			}
			return entry, nil
		}
	}

	now := time.Now().UTC()
	if entry == nil {
		entry = &models.LedgerEntry{
			ID:        uuid.Must(uuid.NewRandom()).String(),
			PaymentID: req.PaymentID,
			AccountID: req.AccountID,
			Kind:      req.Kind,
			Units:     req.Units,
			PaidCents: req.PaidCents,
			Currency:  req.Currency,
			Status:    req.Status,
			CreatedAt: now,
		}
	}
	entry.UpdatedAt = now

	switch req.Status {
	case models.StatusPending:
		// Keep whatever status the entry already reached; a late PENDING
		// never downgrades a FAILED entry.
		if entry.Status == "" || entry.Status == models.StatusPending {
			entry.Status = models.StatusPending
		}
		if err := a.Store.SaveLedgerEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to save pending entry: %w", err)
		}
		return entry, nil

	case models.StatusFailed:
		entry.Status = models.StatusFailed
		if err := a.Store.SaveLedgerEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to save failed entry: %w", err)
		}
		logger.Info("Payment recorded as failed", map[string]interface{}{
			"payment_id": req.PaymentID,
			"account_id": entry.AccountID,
		})
		return entry, nil

	case models.StatusCompleted:
		return a.complete(ctx, entry, req, now)
	}

	return nil, fmt.Errorf("%w: unreachable status %q", ErrInvalidRequest, req.Status)
}

func (a *Applier) complete(ctx context.Context, entry *models.LedgerEntry, req ApplyRequest, now time.Time) (*models.LedgerEntry, error) {
	// Every completion passes through here, so the paid amount is checked
	// against the price of the units being granted no matter which front
	// door delivered the payment. A pending entry's unit count is a client
	// claim until the money confirms it.
	expected, err := a.ExpectedCents(entry.Kind, entry.Units)
	if err != nil {
		return nil, err
	}
	if req.PaidCents != expected || req.Currency != a.Currency {
		logger.Warn("Completion rejected, paid amount does not match units", map[string]interface{}{
			"payment_id":     entry.PaymentID,
			"account_id":     entry.AccountID,
			"kind":           entry.Kind,
			"units":          entry.Units,
			"expected_cents": expected,
			"paid_cents":     req.PaidCents,
			"currency":       req.Currency,
		})
		return nil, fmt.Errorf("%w: expected %d %s for %d x %s, paid %d %s",
			ErrAmountMismatch, expected, a.Currency, entry.Units, entry.Kind, req.PaidCents, req.Currency)
	}

	account, err := a.Store.GetAccount(ctx, entry.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, entry.AccountID)
	}

	previous := counterFor(account, entry.Kind)
	newQuota := previous + entry.Units
	if entry.Kind == models.KindModule {
		newQuota = 1
	}

	setCounter(account, entry.Kind, newQuota)
	account.UpdatedAt = now
	if err := a.Store.SaveAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to update account quota: %w", err)
	}

	entry.PaidCents = req.PaidCents
	entry.Currency = req.Currency
	entry.PreviousQuota = previous
	entry.NewQuota = newQuota
	entry.Status = models.StatusCompleted
	entry.Applied = true
	completedAt := now
	entry.CompletedAt = &completedAt

	if err := a.Store.SaveLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to save applied entry: %w", err)
	}

	logger.Info("Quota applied", map[string]interface{}{
		"payment_id":     entry.PaymentID,
		"account_id":     entry.AccountID,
		"kind":           entry.Kind,
		"units":          entry.Units,
		"previous_quota": previous,
		"new_quota":      newQuota,
	})

	a.notify(ctx, account, entry)
	return entry, nil
}

// Reverse undoes an applied payment after a refund. Reversing an already
// reversed payment is a no-op; reversing an unapplied payment is a
// data-integrity error.
func (a *Applier) Reverse(ctx context.Context, paymentID string) (*models.LedgerEntry, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment id required", ErrInvalidRequest)
	}

	unlock := a.locks.lock(paymentID)
	defer unlock()

	entry, err := a.Store.FindLedgerEntryByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: payment %s", ErrLedgerEntryNotFound, paymentID)
	}

	if entry.Status == models.StatusRefunded {
		return entry, nil
	}
	if !entry.Applied {
		return nil, fmt.Errorf("%w: cannot refund unapplied payment %s", ErrInvalidTransition, paymentID)
	}

	account, err := a.Store.GetAccount(ctx, entry.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, entry.AccountID)
	}

	now := time.Now().UTC()
	current := counterFor(account, entry.Kind)
	reduced := current - entry.Units
	if entry.Kind == models.KindModule {
		reduced = 0
	}
	if reduced < 0 {
		reduced = 0
	}

	setCounter(account, entry.Kind, reduced)
	account.UpdatedAt = now
	if err := a.Store.SaveAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to update account quota: %w", err)
	}

	entry.Status = models.StatusRefunded
	entry.Applied = false
	entry.UpdatedAt = now

	if err := a.Store.SaveLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to save refunded entry: %w", err)
	}

	logger.Info("Quota reversed after refund", map[string]interface{}{
		"payment_id": entry.PaymentID,
		"account_id": entry.AccountID,
		"kind":       entry.Kind,
		"units":      entry.Units,
		"new_quota":  reduced,
	})

	a.notify(ctx, account, entry)
	return entry, nil
}

func (a *Applier) notify(ctx context.Context, account *models.Account, entry *models.LedgerEntry) {
	if a.Notifier == nil {
		return
	}
	if err := a.Notifier.QuotaChanged(ctx, account, entry); err != nil {
		// The entitlement is already committed; notification failure must
		// never roll it back.
		logger.Error("Quota change notification failed", map[string]interface{}{
			"error":      err.Error(),
			"payment_id": entry.PaymentID,
			"account_id": account.ID,
		})
	}
}

func (r ApplyRequest) validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account id required", ErrInvalidRequest)
	}
	if r.PaymentID == "" {
		return fmt.Errorf("%w: payment id required", ErrInvalidRequest)
	}
	if !models.ValidKind(r.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	switch r.Status {
	case models.StatusPending, models.StatusCompleted, models.StatusFailed:
	default:
		return fmt.Errorf("%w: status %q cannot be applied", ErrInvalidRequest, r.Status)
	}
	if r.Units < 1 {
		return fmt.Errorf("%w: units must be positive", ErrInvalidRequest)
	}
	return nil
}

func counterFor(account *models.Account, kind string) int64 {
	switch kind {
	case models.KindExhibitorSlots:
		return account.MaxExhibitorSlots
	case models.KindSessionSlots:
		return account.MaxSessions
	case models.KindModule:
		if account.ScanLeadsEnabled {
			return 1
		}
		return 0
	}
	return 0
}

func setCounter(account *models.Account, kind string, value int64) {
	switch kind {
	case models.KindExhibitorSlots:
		account.MaxExhibitorSlots = value
	case models.KindSessionSlots:
		account.MaxSessions = value
	case models.KindModule:
		account.ScanLeadsEnabled = value > 0
	}
}

// paymentLocks serializes work per payment id. Same map-plus-mutex shape as
// the fixed window rate limiter, with a reference count so idle entries are
// dropped.
type paymentLocks struct {
	mu    sync.Mutex
	locks map[string]*paymentLock
}

type paymentLock struct {
	mu   sync.Mutex
	refs int
}

func (p *paymentLocks) lock(paymentID string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*paymentLock)
	}
	l := p.locks[paymentID]
	if l == nil {
		l = &paymentLock{}
		p.locks[paymentID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, paymentID)
		}
		p.mu.Unlock()
	}
}
