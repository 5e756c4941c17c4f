package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"expodesk.app/cloud/internal/logger"
	"expodesk.app/cloud/models"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	dsn := path + "?_busy_timeout=30000&_journal_mode=WAL&_synchronous=NORMAL"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	ctx := context.Background()
	err = storage.migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate(ctx context.Context) error {
	schema := `
      CREATE TABLE IF NOT EXISTS accounts (
          id TEXT PRIMARY KEY,
          email TEXT UNIQUE NOT NULL,
          name TEXT NOT NULL DEFAULT '',
          max_sessions INTEGER NOT NULL DEFAULT 0,
          max_exhibitor_slots INTEGER NOT NULL DEFAULT 0,
          scan_leads_enabled INTEGER NOT NULL DEFAULT 0,
          created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
          updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
      );

      CREATE TABLE IF NOT EXISTS ledger_entries (
          id TEXT PRIMARY KEY,
          payment_id TEXT UNIQUE NOT NULL,
          account_id TEXT NOT NULL,
          kind TEXT NOT NULL,
          units INTEGER NOT NULL,
          paid_cents INTEGER NOT NULL,
          currency TEXT NOT NULL,
          previous_quota INTEGER NOT NULL DEFAULT 0,
          new_quota INTEGER NOT NULL DEFAULT 0,
          status TEXT NOT NULL,
          applied INTEGER NOT NULL DEFAULT 0,
          completed_at DATETIME,
          created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
          updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
          FOREIGN KEY (account_id) REFERENCES accounts(id)
      );
      CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_id ON ledger_entries(account_id);

      CREATE TABLE IF NOT EXISTS sessions (
          id TEXT PRIMARY KEY,
          account_id TEXT NOT NULL,
          token TEXT NOT NULL,
          ip_address TEXT NOT NULL DEFAULT '',
          user_agent TEXT NOT NULL DEFAULT '',
          created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
          last_activity DATETIME DEFAULT CURRENT_TIMESTAMP,
          FOREIGN KEY (account_id) REFERENCES accounts(id),
          UNIQUE (account_id, token)
      );
      CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
      `

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStorage) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT id, email, name, max_sessions, max_exhibitor_slots, scan_leads_enabled, created_at, updated_at FROM accounts WHERE id = ?`

	var account models.Account
	var scanLeads int
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID,
		&account.Email,
		&account.Name,
		&account.MaxSessions,
		&account.MaxExhibitorSlots,
		&scanLeads,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	account.ScanLeadsEnabled = scanLeads != 0
	return &account, nil
}

func (s *SQLiteStorage) SaveAccount(ctx context.Context, account *models.Account) error {
	query := `INSERT OR REPLACE INTO accounts (id, email, name, max_sessions, max_exhibitor_slots, scan_leads_enabled, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		account.ID,
		account.Email,
		account.Name,
		account.MaxSessions,
		account.MaxExhibitorSlots,
		boolToInt(account.ScanLeadsEnabled),
		account.CreatedAt,
		account.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}

const ledgerColumns = `id, payment_id, account_id, kind, units, paid_cents, currency, previous_quota, new_quota, status, applied, completed_at, created_at, updated_at`

func (s *SQLiteStorage) GetLedgerEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE id = ?`
	return scanLedgerEntry(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindLedgerEntryByPaymentID(ctx context.Context, paymentID string) (*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE payment_id = ?`
	return scanLedgerEntry(s.db.QueryRowContext(ctx, query, paymentID))
}

func (s *SQLiteStorage) FindLedgerEntriesByAccount(ctx context.Context, accountID string) ([]*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE account_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

func (s *SQLiteStorage) SaveLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	query := `INSERT INTO ledger_entries (` + ledgerColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
      ON CONFLICT(id) DO UPDATE SET
          units = excluded.units,
          paid_cents = excluded.paid_cents,
          currency = excluded.currency,
          previous_quota = excluded.previous_quota,
          new_quota = excluded.new_quota,
          status = excluded.status,
          applied = excluded.applied,
          completed_at = excluded.completed_at,
          updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.PaymentID,
		entry.AccountID,
		entry.Kind,
		entry.Units,
		entry.PaidCents,
		entry.Currency,
		entry.PreviousQuota,
		entry.NewQuota,
		entry.Status,
		boolToInt(entry.Applied),
		entry.CompletedAt,
		entry.CreatedAt,
		entry.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save ledger entry: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) FindSessionByToken(ctx context.Context, accountID, token string) (*models.Session, error) {
	query := `SELECT id, account_id, token, ip_address, user_agent, created_at, last_activity FROM sessions WHERE account_id = ? AND token = ?`

	var session models.Session
	err := s.db.QueryRowContext(ctx, query, accountID, token).Scan(
		&session.ID,
		&session.AccountID,
		&session.Token,
		&session.IPAddress,
		&session.UserAgent,
		&session.CreatedAt,
		&session.LastActivity,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &session, nil
}

func (s *SQLiteStorage) FindSessionsByAccount(ctx context.Context, accountID string) ([]*models.Session, error) {
	query := `SELECT id, account_id, token, ip_address, user_agent, created_at, last_activity FROM sessions WHERE account_id = ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var sessions []*models.Session
	for rows.Next() {
		var session models.Session
		err := rows.Scan(
			&session.ID,
			&session.AccountID,
			&session.Token,
			&session.IPAddress,
			&session.UserAgent,
			&session.CreatedAt,
			&session.LastActivity,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &session)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

func (s *SQLiteStorage) CountSessionsByAccount(ctx context.Context, accountID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE account_id = ?`, accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (s *SQLiteStorage) SaveSession(ctx context.Context, session *models.Session) error {
	query := `INSERT OR REPLACE INTO sessions (id, account_id, token, ip_address, user_agent, created_at, last_activity) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.AccountID,
		session.Token,
		session.IPAddress,
		session.UserAgent,
		session.CreatedAt,
		session.LastActivity,
	)

	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) DeleteSession(ctx context.Context, accountID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND account_id = ?`, sessionID, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteSessionsIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(sc scanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var applied int
	var completedAt sql.NullTime

	err := sc.Scan(
		&entry.ID,
		&entry.PaymentID,
		&entry.AccountID,
		&entry.Kind,
		&entry.Units,
		&entry.PaidCents,
		&entry.Currency,
		&entry.PreviousQuota,
		&entry.NewQuota,
		&entry.Status,
		&applied,
		&completedAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	entry.Applied = applied != 0
	if completedAt.Valid {
		t := completedAt.Time
		entry.CompletedAt = &t
	}
	return &entry, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
