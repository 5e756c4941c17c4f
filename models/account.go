package models

import "time"

// Account holds the capacity counters for one dashboard account.
// Counters are only ever written through the entitlement applier and the
// session controller, never directly by request handlers.
type Account struct {
	ID                string
	Email             string
	Name              string
	MaxSessions       int64
	MaxExhibitorSlots int64
	ScanLeadsEnabled  bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
