package models

import "time"

// Session is one active authenticated session for an account.
// A session only exists after it has been admitted against the account's
// MaxSessions cap; once admitted it is never evicted by the cap shrinking.
type Session struct {
	ID           string
	AccountID    string
	Token        string
	IPAddress    string
	UserAgent    string
	CreatedAt    time.Time
	LastActivity time.Time
}
