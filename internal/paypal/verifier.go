package paypal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"expodesk.app/cloud/internal/logger"
	"expodesk.app/cloud/models"
)

// OrderGetter is the slice of Client the verifier needs.
type OrderGetter interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

// Verification is the authoritative view of a payment, fetched fresh from
// the gateway. Client-supplied amounts and statuses are never used.
type Verification struct {
	PaymentID string
	Status    string // a models ledger status
	PaidCents int64
	Currency  string
	CustomID  string
}

type Verifier struct {
	Gateway OrderGetter
}

func NewVerifier(gateway OrderGetter) *Verifier {
	return &Verifier{Gateway: gateway}
}

// Verify fetches the order and maps the gateway status onto a ledger status.
func (v *Verifier) Verify(ctx context.Context, paymentID string) (*Verification, error) {
	order, err := v.Gateway.GetOrder(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	verification := &Verification{
		PaymentID: order.ID,
		Status:    mapOrderStatus(order.Status),
	}

	if len(order.PurchaseUnits) > 0 {
		unit := order.PurchaseUnits[0]
		verification.Currency = unit.Amount.CurrencyCode
		verification.CustomID = unit.CustomID

		cents, err := ParseAmountCents(unit.Amount.Value)
		if err != nil {
			return nil, fmt.Errorf("unparseable order amount %q: %w", unit.Amount.Value, err)
		}
		verification.PaidCents = cents
	}

	logger.Debug("Order verified with gateway", map[string]interface{}{
		"payment_id": verification.PaymentID,
		"status":     verification.Status,
		"paid_cents": verification.PaidCents,
		"currency":   verification.Currency,
	})

	return verification, nil
}

func mapOrderStatus(status string) string {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return models.StatusCompleted
	case "CREATED", "SAVED", "APPROVED", "PAYER_ACTION_REQUIRED":
		return models.StatusPending
	default:
		return models.StatusFailed
	}
}

// ParseAmountCents converts a gateway decimal amount string ("1500.00") to
// integer cents. Amounts with more than two fraction digits are rejected.
func ParseAmountCents(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole := value
	frac := ""
	if i := strings.IndexByte(value, '.'); i >= 0 {
		whole = value[:i]
		frac = value[i+1:]
	}

	if len(frac) > 2 {
		return 0, fmt.Errorf("too many fraction digits in %q", value)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	if units < 0 {
		return 0, fmt.Errorf("negative amount %q", value)
	}

	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", value)
	}

	return units*100 + cents, nil
}

// FormatAmount renders cents back to the gateway's decimal string form.
func FormatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
