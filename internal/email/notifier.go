package email

import (
	"context"
	"fmt"
	"strings"

	"expodesk.app/cloud/models"
)

// SendFunc matches Send and lets tests capture outgoing mail.
type SendFunc func(to, subject, body string) error

// QuotaNotifier emails the account holder after a quota change has
// committed. It implements entitlement.Notifier.
type QuotaNotifier struct {
	SendMail SendFunc
}

func NewQuotaNotifier() *QuotaNotifier {
	return &QuotaNotifier{SendMail: Send}
}

func (n *QuotaNotifier) QuotaChanged(ctx context.Context, account *models.Account, entry *models.LedgerEntry) error {
	if account.Email == "" {
		return fmt.Errorf("account %s has no email address", account.ID)
	}

	subject, body := composeQuotaMail(account, entry)
	return n.SendMail(account.Email, subject, body)
}

func composeQuotaMail(account *models.Account, entry *models.LedgerEntry) (subject, body string) {
	name := "there"
	if account.Name != "" {
		name = strings.Split(account.Name, " ")[0]
	}

	amount := FormatPrice(entry.PaidCents, entry.Currency)

	if entry.Status == models.StatusRefunded {
		subject = "Your Expodesk purchase was refunded"
		body = fmt.Sprintf(`Hello %s,

Your payment %s has been refunded (%s).

The capacity it granted has been removed from your account:
%s

If you did not request this refund, contact us at help@expodesk.app.

Best regards,
The Expodesk Team`,
			name, entry.PaymentID, amount, describeGrant(entry))
		return subject, body
	}

	subject = "Your Expodesk purchase is active"
	body = fmt.Sprintf(`Hello %s,

Thank you for your purchase! Your payment has been processed successfully.

PURCHASE DETAILS
Payment Reference: %s
Amount Paid: %s
%s

The new capacity is available in your dashboard right away.

NEED HELP?
If you have any questions, reply to this email or contact us at help@expodesk.app.

Best regards,
The Expodesk Team`,
		name, entry.PaymentID, amount, describeGrant(entry))
	return subject, body
}

func describeGrant(entry *models.LedgerEntry) string {
	switch entry.Kind {
	case models.KindExhibitorSlots:
		return fmt.Sprintf("Exhibitor Badge Slots: %d -> %d", entry.PreviousQuota, entry.NewQuota)
	case models.KindSessionSlots:
		return fmt.Sprintf("Concurrent Sessions: %d -> %d", entry.PreviousQuota, entry.NewQuota)
	case models.KindModule:
		return "Module: Lead Scanning"
	}
	return fmt.Sprintf("%s: %d units", entry.Kind, entry.Units)
}

// FormatPrice renders cents in the major currency unit.
func FormatPrice(amountCents int64, currency string) string {
	amount := float64(amountCents) / 100.0

	switch strings.ToUpper(currency) {
	case "USD":
		return fmt.Sprintf("$%.2f", amount)
	case "EUR":
		return fmt.Sprintf("€%.2f", amount)
	case "GBP":
		return fmt.Sprintf("£%.2f", amount)
	default:
		return fmt.Sprintf("%.2f %s", amount, strings.ToUpper(currency))
	}
}
