package entitlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"expodesk.app/cloud/models"
	"expodesk.app/cloud/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrices() PriceTable {
	return PriceTable{
		models.KindExhibitorSlots: 30000,
		models.KindSessionSlots:   10000,
		models.KindModule:         50000,
	}
}

func newTestApplier(t *testing.T) (*Applier, *storage.MemoryStorage) {
	t.Helper()

	store := storage.NewMemoryStorage()
	account := &models.Account{
		ID:        "acct-1",
		Email:     "owner@example.com",
		Name:      "Jordan Example",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.SaveAccount(context.Background(), account))

	return NewApplier(store, testPrices(), "USD", nil), store
}

func completedRequest(units int64) ApplyRequest {
	return ApplyRequest{
		AccountID: "acct-1",
		PaymentID: "PAY-100",
		Kind:      models.KindExhibitorSlots,
		Units:     units,
		PaidCents: 30000 * units,
		Currency:  "USD",
		Status:    models.StatusCompleted,
	}
}

func TestApplyCompletedIncrementsQuotaOnce(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	entry, err := applier.Apply(ctx, completedRequest(5))
	require.NoError(t, err)

	assert.True(t, entry.Applied)
	assert.Equal(t, models.StatusCompleted, entry.Status)
	assert.Equal(t, int64(0), entry.PreviousQuota)
	assert.Equal(t, int64(5), entry.NewQuota)
	require.NotNil(t, entry.CompletedAt)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.MaxExhibitorSlots)
}

func TestApplyIsIdempotentPerPaymentID(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	first, err := applier.Apply(ctx, completedRequest(5))
	require.NoError(t, err)

	second, err := applier.Apply(ctx, completedRequest(5))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.NewQuota, second.NewQuota)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.MaxExhibitorSlots, "counter must be incremented exactly once")
}

func TestApplyRaceSingleIncrement(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, err := applier.Apply(ctx, completedRequest(5))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.MaxExhibitorSlots, "racing callers must converge on one increment")

	entry, err := store.FindLedgerEntryByPaymentID(ctx, "PAY-100")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Applied)
}

func TestApplyPendingDoesNotTouchQuota(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	req := completedRequest(5)
	req.Status = models.StatusPending

	entry, err := applier.Apply(ctx, req)
	require.NoError(t, err)

	assert.False(t, entry.Applied)
	assert.Equal(t, models.StatusPending, entry.Status)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MaxExhibitorSlots)
}

func TestApplyCompletesPreviouslyPendingEntry(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	pending := completedRequest(5)
	pending.Status = models.StatusPending
	_, err := applier.Apply(ctx, pending)
	require.NoError(t, err)

	entry, err := applier.Apply(ctx, completedRequest(5))
	require.NoError(t, err)

	assert.True(t, entry.Applied)
	assert.Equal(t, int64(5), entry.NewQuota)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.MaxExhibitorSlots)
}

func TestCompletionRejectsUnderpaidPendingUnits(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	// Client claimed five slots up front while the order was still pending.
	pending := completedRequest(5)
	pending.Status = models.StatusPending
	_, err := applier.Apply(ctx, pending)
	require.NoError(t, err)

	// The money that eventually arrives only covers one slot.
	confirm := completedRequest(5)
	confirm.PaidCents = 30000
	_, err = applier.Apply(ctx, confirm)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MaxExhibitorSlots)

	entry, err := store.FindLedgerEntryByPaymentID(ctx, "PAY-100")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.Applied)
	assert.Equal(t, models.StatusPending, entry.Status)
}

func TestCompletionRejectsWrongCurrency(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	req := completedRequest(2)
	req.Currency = "EUR"
	_, err := applier.Apply(ctx, req)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MaxExhibitorSlots)
}

func TestApplyFailedRecordsWithoutQuotaChange(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	req := completedRequest(5)
	req.Status = models.StatusFailed

	entry, err := applier.Apply(ctx, req)
	require.NoError(t, err)

	assert.False(t, entry.Applied)
	assert.Equal(t, models.StatusFailed, entry.Status)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MaxExhibitorSlots)
}

func TestReverseDecrementsAndIsIdempotent(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	_, err := applier.Apply(ctx, completedRequest(5))
	require.NoError(t, err)

	entry, err := applier.Reverse(ctx, "PAY-100")
	require.NoError(t, err)

	assert.False(t, entry.Applied)
	assert.Equal(t, models.StatusRefunded, entry.Status)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MaxExhibitorSlots)

	// Second reverse is a no-op.
	again, err := applier.Reverse(ctx, "PAY-100")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, again.Status)

	account, err = store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MaxExhibitorSlots)
}

func TestReverseClampsAtZero(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	_, err := applier.Apply(ctx, completedRequest(5))
	require.NoError(t, err)

	// Counter shrank through some other channel before the refund landed.
	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	account.MaxExhibitorSlots = 2
	require.NoError(t, store.SaveAccount(ctx, account))

	_, err = applier.Reverse(ctx, "PAY-100")
	require.NoError(t, err)

	account, err = store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MaxExhibitorSlots)
}

func TestReverseUnappliedIsInvalidTransition(t *testing.T) {
	applier, _ := newTestApplier(t)
	ctx := context.Background()

	req := completedRequest(5)
	req.Status = models.StatusPending
	_, err := applier.Apply(ctx, req)
	require.NoError(t, err)

	_, err = applier.Reverse(ctx, "PAY-100")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReverseUnknownPayment(t *testing.T) {
	applier, _ := newTestApplier(t)

	_, err := applier.Reverse(context.Background(), "PAY-MISSING")
	assert.ErrorIs(t, err, ErrLedgerEntryNotFound)
}

func TestCompleteAfterRefundIsInvalidTransition(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	_, err := applier.Apply(ctx, completedRequest(5))
	require.NoError(t, err)
	_, err = applier.Reverse(ctx, "PAY-100")
	require.NoError(t, err)

	_, err = applier.Apply(ctx, completedRequest(5))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MaxExhibitorSlots)
}

func TestApplyModuleSetsFlag(t *testing.T) {
	applier, store := newTestApplier(t)
	ctx := context.Background()

	entry, err := applier.Apply(ctx, ApplyRequest{
		AccountID: "acct-1",
		PaymentID: "PAY-MOD",
		Kind:      models.KindModule,
		Units:     1,
		PaidCents: 50000,
		Currency:  "USD",
		Status:    models.StatusCompleted,
	})
	require.NoError(t, err)
	assert.True(t, entry.Applied)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, account.ScanLeadsEnabled)

	_, err = applier.Reverse(ctx, "PAY-MOD")
	require.NoError(t, err)

	account, err = store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, account.ScanLeadsEnabled)
}

func TestApplyUnknownAccount(t *testing.T) {
	applier, _ := newTestApplier(t)

	req := completedRequest(5)
	req.AccountID = "acct-missing"

	_, err := applier.Apply(context.Background(), req)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestApplyRequestValidation(t *testing.T) {
	applier, _ := newTestApplier(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*ApplyRequest)
	}{
		{"missing account", func(r *ApplyRequest) { r.AccountID = "" }},
		{"missing payment id", func(r *ApplyRequest) { r.PaymentID = "" }},
		{"unknown kind", func(r *ApplyRequest) { r.Kind = "badges" }},
		{"zero units", func(r *ApplyRequest) { r.Units = 0 }},
		{"refunded status", func(r *ApplyRequest) { r.Status = models.StatusRefunded }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := completedRequest(5)
			tc.mutate(&req)
			_, err := applier.Apply(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestExpectedCents(t *testing.T) {
	applier, _ := newTestApplier(t)

	cents, err := applier.ExpectedCents(models.KindExhibitorSlots, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(150000), cents)

	cents, err = applier.ExpectedCents(models.KindModule, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), cents, "module is a flat price")

	_, err = applier.ExpectedCents("badges", 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = applier.ExpectedCents(models.KindExhibitorSlots, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUnitsForAmount(t *testing.T) {
	applier, _ := newTestApplier(t)

	units, err := applier.UnitsForAmount(models.KindExhibitorSlots, 150000)
	require.NoError(t, err)
	assert.Equal(t, int64(5), units)

	_, err = applier.UnitsForAmount(models.KindExhibitorSlots, 25000)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	units, err = applier.UnitsForAmount(models.KindModule, 50000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), units)

	_, err = applier.UnitsForAmount(models.KindModule, 49999)
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

type recordingNotifier struct {
	mu      sync.Mutex
	entries []*models.LedgerEntry
	err     error
}

func (n *recordingNotifier) QuotaChanged(ctx context.Context, account *models.Account, entry *models.LedgerEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, entry)
	return n.err
}

func TestNotifierReceivesFinalEntry(t *testing.T) {
	applier, _ := newTestApplier(t)
	notifier := &recordingNotifier{}
	applier.Notifier = notifier

	_, err := applier.Apply(context.Background(), completedRequest(5))
	require.NoError(t, err)

	require.Len(t, notifier.entries, 1)
	assert.Equal(t, int64(5), notifier.entries[0].NewQuota)
}

func TestNotifierFailureDoesNotRollBack(t *testing.T) {
	applier, store := newTestApplier(t)
	applier.Notifier = &recordingNotifier{err: context.DeadlineExceeded}

	entry, err := applier.Apply(context.Background(), completedRequest(5))
	require.NoError(t, err)
	assert.True(t, entry.Applied)

	account, err := store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.MaxExhibitorSlots)
}
