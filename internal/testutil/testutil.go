// Package testutil builds wired-up servers and fixture data for end-to-end
// tests. Production code must not import it.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"expodesk.app/cloud/handlers"
	"expodesk.app/cloud/internal/entitlement"
	"expodesk.app/cloud/internal/paypal"
	"expodesk.app/cloud/internal/session"
	"expodesk.app/cloud/models"
	"expodesk.app/cloud/storage"
)

// DefaultPrices matches the production defaults.
var DefaultPrices = entitlement.PriceTable{
	models.KindExhibitorSlots: 30000,
	models.KindSessionSlots:   10000,
	models.KindModule:         50000,
}

// StubVerifier returns a fixed verification result for every payment id.
type StubVerifier struct {
	Status    string
	PaidCents int64
	Currency  string
	Err       error
}

func (s *StubVerifier) Verify(ctx context.Context, paymentID string) (*paypal.Verification, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return &paypal.Verification{
		PaymentID: paymentID,
		Status:    s.Status,
		PaidCents: s.PaidCents,
		Currency:  s.Currency,
	}, nil
}

// AcceptAllSignatures passes every webhook delivery through.
type AcceptAllSignatures struct{}

func (AcceptAllSignatures) VerifySignature(headers paypal.WebhookHeaders, body []byte) error {
	return nil
}

// TestStorage creates an empty in-memory storage.
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// CreateTestAccount builds an account with sensible defaults.
func CreateTestAccount(id, email string) *models.Account {
	now := time.Now().UTC()
	return &models.Account{
		ID:          id,
		Email:       email,
		Name:        "Test Organizer",
		MaxSessions: 2,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SetupTestData seeds a couple of accounts.
func SetupTestData(store storage.Storage) error {
	ctx := context.Background()

	accounts := []*models.Account{
		CreateTestAccount("account1", "account1@example.com"),
		CreateTestAccount("account2", "account2@example.com"),
	}
	for _, account := range accounts {
		if err := store.SaveAccount(ctx, account); err != nil {
			return fmt.Errorf("failed to save account %s: %w", account.ID, err)
		}
	}
	return nil
}

// NewTestServer wires a server against store with a stub gateway verifier
// that reports every order as completed for paidCents.
func NewTestServer(store storage.Storage, paidCents int64) *handlers.Server {
	verifier := &StubVerifier{
		Status:    models.StatusCompleted,
		PaidCents: paidCents,
		Currency:  "USD",
	}
	applier := entitlement.NewApplier(store, DefaultPrices, "USD", nil)
	sessions := session.NewController(store, 2)
	return handlers.NewServer(store, verifier, AcceptAllSignatures{}, applier, sessions)
}

// PostJSON sends body to path on the server's router.
func PostJSON(t *testing.T, server *handlers.Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request body: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Router.ServeHTTP(rec, req)
	return rec
}
