package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expodesk.app/cloud/models"
	"expodesk.app/cloud/storage"
)

func newTestController(t *testing.T, maxSessions int64) (*Controller, *storage.MemoryStorage) {
	t.Helper()

	store := storage.NewMemoryStorage()
	err := store.SaveAccount(context.Background(), &models.Account{
		ID:          "acct-1",
		Email:       "organizer@expodesk.app",
		MaxSessions: maxSessions,
	})
	require.NoError(t, err)

	return NewController(store, 2), store
}

func TestAdmitWithinCap(t *testing.T) {
	controller, _ := newTestController(t, 2)
	ctx := context.Background()

	first, err := controller.Admit(ctx, "acct-1", "token-a", Meta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "acct-1", first.AccountID)
	assert.Equal(t, "token-a", first.Token)
	assert.Equal(t, "10.0.0.1", first.IPAddress)

	_, err = controller.Admit(ctx, "acct-1", "token-b", Meta{})
	require.NoError(t, err)
}

func TestAdmitDeniedAtCap(t *testing.T) {
	controller, _ := newTestController(t, 2)
	ctx := context.Background()

	_, err := controller.Admit(ctx, "acct-1", "token-a", Meta{})
	require.NoError(t, err)
	_, err = controller.Admit(ctx, "acct-1", "token-b", Meta{})
	require.NoError(t, err)

	_, err = controller.Admit(ctx, "acct-1", "token-c", Meta{})
	assert.ErrorIs(t, err, ErrLimitReached)
}

func TestAdmitExistingTokenIsHeartbeat(t *testing.T) {
	controller, _ := newTestController(t, 1)
	ctx := context.Background()

	first, err := controller.Admit(ctx, "acct-1", "token-a", Meta{})
	require.NoError(t, err)

	// The cap is already reached, but re-presenting the same token must
	// succeed and refresh activity rather than consume a second seat.
	again, err := controller.Admit(ctx, "acct-1", "token-a", Meta{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.False(t, again.LastActivity.Before(first.CreatedAt))
}

func TestAdmitUsesDefaultWhenAccountCapUnset(t *testing.T) {
	controller, _ := newTestController(t, 0)
	ctx := context.Background()

	_, err := controller.Admit(ctx, "acct-1", "token-a", Meta{})
	require.NoError(t, err)
	_, err = controller.Admit(ctx, "acct-1", "token-b", Meta{})
	require.NoError(t, err)

	_, err = controller.Admit(ctx, "acct-1", "token-c", Meta{})
	assert.ErrorIs(t, err, ErrLimitReached)
}

func TestAdmitUnknownAccount(t *testing.T) {
	controller, _ := newTestController(t, 2)

	_, err := controller.Admit(context.Background(), "acct-missing", "token-a", Meta{})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAdmitValidatesInput(t *testing.T) {
	controller, _ := newTestController(t, 2)
	ctx := context.Background()

	_, err := controller.Admit(ctx, "", "token-a", Meta{})
	assert.Error(t, err)

	_, err = controller.Admit(ctx, "acct-1", "", Meta{})
	assert.Error(t, err)
}

func TestConcurrentAdmissionNeverExceedsCap(t *testing.T) {
	controller, store := newTestController(t, 3)
	ctx := context.Background()

	tokens := []string{"t-0", "t-1", "t-2", "t-3", "t-4", "t-5", "t-6", "t-7"}

	var wg sync.WaitGroup
	var denied, admitted atomicCounter
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			_, err := controller.Admit(ctx, "acct-1", token, Meta{})
			if err != nil {
				denied.inc()
				return
			}
			admitted.inc()
		}(token)
	}
	wg.Wait()

	count, err := store.CountSessionsByAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, int64(3), admitted.value())
	assert.Equal(t, int64(5), denied.value())
}

type atomicCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestCloseFreesSeat(t *testing.T) {
	controller, _ := newTestController(t, 1)
	ctx := context.Background()

	session, err := controller.Admit(ctx, "acct-1", "token-a", Meta{})
	require.NoError(t, err)

	require.NoError(t, controller.Close(ctx, "acct-1", session.ID))

	_, err = controller.Admit(ctx, "acct-1", "token-b", Meta{})
	assert.NoError(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	controller, _ := newTestController(t, 2)
	ctx := context.Background()

	session, err := controller.Admit(ctx, "acct-1", "token-a", Meta{})
	require.NoError(t, err)

	require.NoError(t, controller.Close(ctx, "acct-1", session.ID))
	require.NoError(t, controller.Close(ctx, "acct-1", session.ID))
}

func TestListMarksCurrentSession(t *testing.T) {
	controller, _ := newTestController(t, 3)
	ctx := context.Background()

	_, err := controller.Admit(ctx, "acct-1", "token-a", Meta{})
	require.NoError(t, err)
	_, err = controller.Admit(ctx, "acct-1", "token-b", Meta{})
	require.NoError(t, err)

	active, err := controller.List(ctx, "acct-1", "token-b")
	require.NoError(t, err)
	require.Len(t, active, 2)

	var currentCount int
	for _, session := range active {
		if session.IsCurrent {
			currentCount++
			assert.Equal(t, "token-b", session.Token)
		}
	}
	assert.Equal(t, 1, currentCount)
}

func TestListWithoutTokenMarksNothingCurrent(t *testing.T) {
	controller, _ := newTestController(t, 3)
	ctx := context.Background()

	_, err := controller.Admit(ctx, "acct-1", "token-a", Meta{})
	require.NoError(t, err)

	active, err := controller.List(ctx, "acct-1", "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.False(t, active[0].IsCurrent)
}

func TestReaperSweepRemovesIdleSessions(t *testing.T) {
	controller, store := newTestController(t, 5)
	ctx := context.Background()

	stale, err := controller.Admit(ctx, "acct-1", "token-stale", Meta{})
	require.NoError(t, err)
	stale.LastActivity = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.SaveSession(ctx, stale))

	_, err = controller.Admit(ctx, "acct-1", "token-fresh", Meta{})
	require.NoError(t, err)

	reaper := NewReaper(store, time.Hour)
	reaper.sweep(ctx)

	sessions, err := store.FindSessionsByAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "token-fresh", sessions[0].Token)
}

func TestReaperRunStopsOnContextCancel(t *testing.T) {
	_, store := newTestController(t, 2)

	reaper := NewReaper(store, time.Hour)
	reaper.SweepInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after context cancellation")
	}
}
