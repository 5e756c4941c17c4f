package email

import (
	"context"
	"strings"
	"testing"

	"expodesk.app/cloud/models"
)

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		cents    int64
		currency string
		expected string
	}{
		{150000, "USD", "$1500.00"},
		{30000, "usd", "$300.00"},
		{9999, "EUR", "€99.99"},
		{50, "GBP", "£0.50"},
		{10000, "CHF", "100.00 CHF"},
		{0, "USD", "$0.00"},
	}

	for _, tt := range tests {
		if got := FormatPrice(tt.cents, tt.currency); got != tt.expected {
			t.Errorf("FormatPrice(%d, %s) = %s, expected %s", tt.cents, tt.currency, got, tt.expected)
		}
	}
}

func grantEntry() *models.LedgerEntry {
	return &models.LedgerEntry{
		PaymentID:     "PAY-1",
		AccountID:     "acct-1",
		Kind:          models.KindExhibitorSlots,
		Units:         5,
		PaidCents:     150000,
		Currency:      "USD",
		PreviousQuota: 2,
		NewQuota:      7,
		Status:        models.StatusCompleted,
	}
}

func TestQuotaChangedSendsPurchaseMail(t *testing.T) {
	var gotTo, gotSubject, gotBody string
	notifier := &QuotaNotifier{SendMail: func(to, subject, body string) error {
		gotTo, gotSubject, gotBody = to, subject, body
		return nil
	}}

	account := &models.Account{ID: "acct-1", Email: "jane@expodesk.app", Name: "Jane Doe"}
	if err := notifier.QuotaChanged(context.Background(), account, grantEntry()); err != nil {
		t.Fatalf("QuotaChanged failed: %v", err)
	}

	if gotTo != "jane@expodesk.app" {
		t.Errorf("expected mail to account email, got %s", gotTo)
	}
	if !strings.Contains(gotSubject, "active") {
		t.Errorf("unexpected subject %q", gotSubject)
	}
	for _, want := range []string{"Hello Jane", "PAY-1", "$1500.00", "2 -> 7"} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("body missing %q:\n%s", want, gotBody)
		}
	}
}

func TestQuotaChangedSendsRefundMail(t *testing.T) {
	var gotSubject, gotBody string
	notifier := &QuotaNotifier{SendMail: func(to, subject, body string) error {
		gotSubject, gotBody = subject, body
		return nil
	}}

	entry := grantEntry()
	entry.Status = models.StatusRefunded

	account := &models.Account{ID: "acct-1", Email: "jane@expodesk.app"}
	if err := notifier.QuotaChanged(context.Background(), account, entry); err != nil {
		t.Fatalf("QuotaChanged failed: %v", err)
	}

	if !strings.Contains(gotSubject, "refunded") {
		t.Errorf("unexpected subject %q", gotSubject)
	}
	if !strings.Contains(gotBody, "Hello there") {
		t.Errorf("expected fallback greeting for unnamed account:\n%s", gotBody)
	}
	if !strings.Contains(gotBody, "removed from your account") {
		t.Errorf("refund body should mention removed capacity:\n%s", gotBody)
	}
}

func TestQuotaChangedRequiresEmail(t *testing.T) {
	notifier := &QuotaNotifier{SendMail: func(to, subject, body string) error {
		t.Fatal("no mail should be sent without an address")
		return nil
	}}

	account := &models.Account{ID: "acct-1"}
	if err := notifier.QuotaChanged(context.Background(), account, grantEntry()); err == nil {
		t.Error("expected error for account without email")
	}
}

func TestDescribeGrantPerKind(t *testing.T) {
	entry := grantEntry()

	entry.Kind = models.KindSessionSlots
	if got := describeGrant(entry); !strings.Contains(got, "Concurrent Sessions") {
		t.Errorf("unexpected session slot description %q", got)
	}

	entry.Kind = models.KindModule
	if got := describeGrant(entry); !strings.Contains(got, "Lead Scanning") {
		t.Errorf("unexpected module description %q", got)
	}
}

func TestSendRequiresConfiguration(t *testing.T) {
	t.Setenv("SMTP_HOST", "")
	t.Setenv("SMTP_PORT", "")
	t.Setenv("SMTP_USERNAME", "")
	t.Setenv("SMTP_PASSWORD", "")

	if err := Send("jane@expodesk.app", "subject", "body"); err == nil {
		t.Error("expected error when SMTP settings are missing")
	}
}
