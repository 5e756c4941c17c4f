package storage

import (
	"context"
	"time"

	"expodesk.app/cloud/models"
)

// Storage is the persistence boundary for accounts, the entitlement ledger
// and active sessions. Lookups return (nil, nil) when nothing matches.
type Storage interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error

	GetLedgerEntry(ctx context.Context, id string) (*models.LedgerEntry, error)
	FindLedgerEntryByPaymentID(ctx context.Context, paymentID string) (*models.LedgerEntry, error)
	FindLedgerEntriesByAccount(ctx context.Context, accountID string) ([]*models.LedgerEntry, error)
	SaveLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error

	FindSessionByToken(ctx context.Context, accountID, token string) (*models.Session, error)
	FindSessionsByAccount(ctx context.Context, accountID string) ([]*models.Session, error)
	CountSessionsByAccount(ctx context.Context, accountID string) (int64, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, accountID, sessionID string) error
	DeleteSessionsIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
