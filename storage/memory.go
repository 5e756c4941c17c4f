package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"expodesk.app/cloud/models"
)

// MemoryStorage keeps everything in maps. Used by tests and local runs
// without a database file.
type MemoryStorage struct {
	mu       sync.RWMutex
	Accounts map[string]models.Account
	Entries  map[string]models.LedgerEntry // keyed by entry ID
	Sessions map[string]models.Session     // keyed by session ID
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Accounts: make(map[string]models.Account),
		Entries:  make(map[string]models.LedgerEntry),
		Sessions: make(map[string]models.Session),
	}
}

func (m *MemoryStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, exists := m.Accounts[id]
	if !exists {
		return nil, nil
	}
	return &account, nil
}

func (m *MemoryStorage) SaveAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Accounts[account.ID] = *account
	return nil
}

func (m *MemoryStorage) GetLedgerEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.Entries[id]
	if !exists {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryStorage) FindLedgerEntryByPaymentID(ctx context.Context, paymentID string) (*models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.Entries {
		if entry.PaymentID == paymentID {
			entryCopy := entry
			return &entryCopy, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindLedgerEntriesByAccount(ctx context.Context, accountID string) ([]*models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*models.LedgerEntry
	for _, entry := range m.Entries {
		if entry.AccountID == accountID {
			entryCopy := entry
			entries = append(entries, &entryCopy)
		}
	}
	return entries, nil
}

func (m *MemoryStorage) SaveLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// payment_id is the idempotency key, mirror the sqlite unique index
	for id, existing := range m.Entries {
		if existing.PaymentID == entry.PaymentID && id != entry.ID {
			return fmt.Errorf("ledger entry for payment %s already exists", entry.PaymentID)
		}
	}

	m.Entries[entry.ID] = *entry
	return nil
}

func (m *MemoryStorage) FindSessionByToken(ctx context.Context, accountID, token string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, session := range m.Sessions {
		if session.AccountID == accountID && session.Token == token {
			sessionCopy := session
			return &sessionCopy, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindSessionsByAccount(ctx context.Context, accountID string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*models.Session
	for _, session := range m.Sessions {
		if session.AccountID == accountID {
			sessionCopy := session
			sessions = append(sessions, &sessionCopy)
		}
	}
	return sessions, nil
}

func (m *MemoryStorage) CountSessionsByAccount(ctx context.Context, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, session := range m.Sessions {
		if session.AccountID == accountID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStorage) SaveSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sessions[session.ID] = *session
	return nil
}

func (m *MemoryStorage) DeleteSession(ctx context.Context, accountID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.Sessions[sessionID]
	if !exists || session.AccountID != accountID {
		return nil
	}
	delete(m.Sessions, sessionID)
	return nil
}

func (m *MemoryStorage) DeleteSessionsIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, session := range m.Sessions {
		if session.LastActivity.Before(cutoff) {
			delete(m.Sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
