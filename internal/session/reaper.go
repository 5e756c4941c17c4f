package session

import (
	"context"
	"time"

	"expodesk.app/cloud/internal/logger"
	"expodesk.app/cloud/storage"
)

const defaultSweepInterval = 5 * time.Minute

// Reaper deletes sessions that have been idle longer than IdleTTL. Expiry is
// the only way an admitted session disappears without an explicit close; the
// cap itself never evicts.
type Reaper struct {
	Store         storage.Storage
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

func NewReaper(store storage.Storage, idleTTL time.Duration) *Reaper {
	return &Reaper{
		Store:         store,
		IdleTTL:       idleTTL,
		SweepInterval: defaultSweepInterval,
	}
}

// Run blocks until ctx is cancelled. A zero IdleTTL disables reaping.
func (r *Reaper) Run(ctx context.Context) {
	if r.IdleTTL <= 0 {
		logger.Info("Session reaper disabled")
		return
	}

	logger.Info("Session reaper started", map[string]interface{}{
		"idle_ttl": r.IdleTTL.String(),
	})

	ticker := time.NewTicker(r.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Session reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.IdleTTL)
	deleted, err := r.Store.DeleteSessionsIdleBefore(ctx, cutoff)
	if err != nil {
		logger.Error("Session sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if deleted > 0 {
		logger.Info("Idle sessions removed", map[string]interface{}{
			"deleted": deleted,
		})
	}
}
