package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"expodesk.app/cloud/internal/logger"
	"expodesk.app/cloud/models"
	"expodesk.app/cloud/storage"
	"github.com/google/uuid"
)

var (
	// ErrLimitReached means the account already holds its maximum number of
	// concurrent sessions. The caller should redirect to the session-limit
	// flow, not fail silently.
	ErrLimitReached = errors.New("session limit reached")

	// ErrAccountNotFound means the admission check referenced an unknown
	// account.
	ErrAccountNotFound = errors.New("account not found")
)

// Meta is the device information recorded with a session.
type Meta struct {
	IPAddress string
	UserAgent string
}

// ActiveSession is a session with its derived is-current flag for listing.
type ActiveSession struct {
	*models.Session
	IsCurrent bool
}

// Controller enforces the per-account concurrent-session cap. Admission is
// strict: when the cap is hit a new token is denied, never swapped in for an
// older session.
type Controller struct {
	Store              storage.Storage
	DefaultMaxSessions int64

	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func NewController(store storage.Storage, defaultMaxSessions int64) *Controller {
	return &Controller{
		Store:              store,
		DefaultMaxSessions: defaultMaxSessions,
		locks:              make(map[string]*accountLock),
	}
}

// Admit checks token against the account's session cap. A token that is
// already active counts as a heartbeat and always succeeds. Count-then-insert
// is a check-then-act race, so the whole decision is serialized per account.
func (c *Controller) Admit(ctx context.Context, accountID, token string, meta Meta) (*models.Session, error) {
	if accountID == "" || token == "" {
		return nil, fmt.Errorf("account id and token are required")
	}

	unlock := c.lock(accountID)
	defer unlock()

	account, err := c.Store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	maxSessions := account.MaxSessions
	if maxSessions <= 0 {
		maxSessions = c.DefaultMaxSessions
	}

	now := time.Now().UTC()

	existing, err := c.Store.FindSessionByToken(ctx, accountID, token)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if existing != nil {
		existing.LastActivity = now
		if err := c.Store.SaveSession(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to update session activity: %w", err)
		}
		return existing, nil
	}

	count, err := c.Store.CountSessionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("session count failed: %w", err)
	}
	if count >= maxSessions {
		logger.Info("Session admission denied", map[string]interface{}{
			"account_id":   accountID,
			"active":       count,
			"max_sessions": maxSessions,
		})
		return nil, fmt.Errorf("%w: %d active, max %d", ErrLimitReached, count, maxSessions)
	}

	session := &models.Session{
		ID:           uuid.Must(uuid.NewRandom()).String(),
		AccountID:    accountID,
		Token:        token,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := c.Store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	logger.Info("Session admitted", map[string]interface{}{
		"account_id": accountID,
		"session_id": session.ID,
		"active":     count + 1,
	})

	return session, nil
}

// Close removes a session. Closing an already closed session succeeds.
func (c *Controller) Close(ctx context.Context, accountID, sessionID string) error {
	unlock := c.lock(accountID)
	defer unlock()

	if err := c.Store.DeleteSession(ctx, accountID, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// List returns the account's active sessions with IsCurrent derived against
// currentToken.
func (c *Controller) List(ctx context.Context, accountID, currentToken string) ([]ActiveSession, error) {
	sessions, err := c.Store.FindSessionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("session list failed: %w", err)
	}

	active := make([]ActiveSession, 0, len(sessions))
	for _, session := range sessions {
		active = append(active, ActiveSession{
			Session:   session,
			IsCurrent: currentToken != "" && session.Token == currentToken,
		})
	}
	return active, nil
}

func (c *Controller) lock(accountID string) func() {
	c.mu.Lock()
	if c.locks == nil {
		c.locks = make(map[string]*accountLock)
	}
	l := c.locks[accountID]
	if l == nil {
		l = &accountLock{}
		c.locks[accountID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, accountID)
		}
		c.mu.Unlock()
	}
}
