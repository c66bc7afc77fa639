package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-scheduler/internal/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 15, 18, 30, 0, 0, time.UTC)}
}

// runLockScenarios exercises any Store through the Locker contract.
func runLockScenarios(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("second acquire denied then expired lock reclaimed", func(t *testing.T) {
		ctx := context.Background()
		c := newClock()
		l := New(newStore(t), WithClock(c.Now))

		first, err := l.Acquire(ctx, "cron_a", 600*time.Second)
		require.NoError(t, err)
		require.True(t, first.Granted)
		require.NotEmpty(t, first.Token)

		second, err := l.Acquire(ctx, "cron_a", 600*time.Second)
		require.NoError(t, err)
		assert.False(t, second.Granted)
		assert.True(t, errors.Is(second.Err, ErrLockContention))
		var ce *ContentionError
		require.True(t, errors.As(second.Err, &ce))
		assert.Equal(t, ReasonHeld, ce.Reason)

		c.Advance(601 * time.Second)
		third, err := l.Acquire(ctx, "cron_a", 600*time.Second)
		require.NoError(t, err)
		assert.True(t, third.Granted)
		assert.NotEqual(t, first.Token, third.Token)
	})

	t.Run("release requires owning token", func(t *testing.T) {
		ctx := context.Background()
		c := newClock()
		l := New(newStore(t), WithClock(c.Now))

		g, err := l.Acquire(ctx, "cron_b", time.Minute)
		require.NoError(t, err)
		require.True(t, g.Granted)

		l.Release(ctx, "cron_b", "stale-token")
		denied, err := l.Acquire(ctx, "cron_b", time.Minute)
		require.NoError(t, err)
		assert.False(t, denied.Granted, "foreign token must not release the lock")

		l.Release(ctx, "cron_b", g.Token)
		again, err := l.Acquire(ctx, "cron_b", time.Minute)
		require.NoError(t, err)
		assert.True(t, again.Granted)
	})

	t.Run("extend keeps lock alive past original ttl", func(t *testing.T) {
		ctx := context.Background()
		c := newClock()
		l := New(newStore(t), WithClock(c.Now))

		g, err := l.Acquire(ctx, "cron_c", time.Minute)
		require.NoError(t, err)

		c.Advance(50 * time.Second)
		ok, err := l.Extend(ctx, "cron_c", g.Token, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = l.Extend(ctx, "cron_c", "other", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		c.Advance(30 * time.Second)
		denied, err := l.Acquire(ctx, "cron_c", time.Minute)
		require.NoError(t, err)
		assert.False(t, denied.Granted)
	})

	t.Run("stale holder cannot release after takeover", func(t *testing.T) {
		ctx := context.Background()
		c := newClock()
		l := New(newStore(t), WithClock(c.Now))

		old, err := l.Acquire(ctx, "cron_d", time.Second)
		require.NoError(t, err)
		c.Advance(2 * time.Second)
		fresh, err := l.Acquire(ctx, "cron_d", time.Minute)
		require.NoError(t, err)
		require.True(t, fresh.Granted)

		l.Release(ctx, "cron_d", old.Token)
		denied, err := l.Acquire(ctx, "cron_d", time.Minute)
		require.NoError(t, err)
		assert.False(t, denied.Granted)
	})

	t.Run("cleanup removes only expired rows", func(t *testing.T) {
		ctx := context.Background()
		c := newClock()
		l := New(newStore(t), WithClock(c.Now))

		_, err := l.Acquire(ctx, "short", time.Second)
		require.NoError(t, err)
		_, err = l.Acquire(ctx, "long", time.Hour)
		require.NoError(t, err)

		c.Advance(10 * time.Second)
		n, err := l.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = l.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})
}

func TestLockerMemoryStore(t *testing.T) {
	runLockScenarios(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestLockerConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := l.Acquire(ctx, "cron_race", time.Minute)
			if err == nil && g.Granted {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, granted)
}

// racingStore reports an expired row but loses the conditional update.
type racingStore struct {
	*MemoryStore
}

func (r racingStore) SwapLock(context.Context, string, models.JobLock) (bool, error) {
	return false, nil
}

func TestAcquireReportsLostRace(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	mem := NewMemoryStore()
	require.NoError(t, mem.InsertLock(ctx, models.JobLock{JobName: "cron_e", LockToken: "t0", LockedUntil: c.Now().Add(-time.Minute)}))

	l := New(racingStore{mem}, WithClock(c.Now))
	g, err := l.Acquire(ctx, "cron_e", time.Minute)
	require.NoError(t, err)
	assert.False(t, g.Granted)
	var ce *ContentionError
	require.True(t, errors.As(g.Err, &ce))
	assert.Equal(t, ReasonRace, ce.Reason)
}

// conflictStore simulates a concurrent insert landing between read and insert.
type conflictStore struct {
	*MemoryStore
}

func (c conflictStore) InsertLock(context.Context, models.JobLock) error {
	return models.ErrAlreadyExists
}

func TestAcquireTreatsInsertConflictAsHeld(t *testing.T) {
	l := New(conflictStore{NewMemoryStore()})
	g, err := l.Acquire(context.Background(), "cron_f", time.Minute)
	require.NoError(t, err)
	assert.False(t, g.Granted)
	assert.True(t, errors.Is(g.Err, ErrLockContention))
}

type failingStore struct {
	*MemoryStore
}

func (f failingStore) DeleteLock(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestWithLockAlwaysReleases(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	boom := errors.New("boom")
	err := l.WithLock(ctx, "cron_g", time.Minute, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = l.WithLock(ctx, "cron_g", time.Minute, func(context.Context) error { return nil })
	assert.NoError(t, err, "lock must have been released after the failed run")
}

func TestWithLockContention(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	_, err := l.Acquire(ctx, "cron_h", time.Minute)
	require.NoError(t, err)

	called := false
	err = l.WithLock(ctx, "cron_h", time.Minute, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockContention)
	assert.False(t, called)
}

func TestReleaseFailureIsSwallowed(t *testing.T) {
	l := New(failingStore{NewMemoryStore()})
	err := l.WithLock(context.Background(), "cron_i", time.Minute, func(context.Context) error { return nil })
	assert.NoError(t, err)
}
