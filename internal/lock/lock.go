// Package lock provides table-row mutual exclusion between worker processes.
//
// A lock row is valid until its locked_until timestamp. Expired rows are treated
// as unlocked whether or not they have been deleted, so a crashed holder is
// recovered by TTL alone. Every successful acquire mints a new token; release
// and extend require it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ingest-scheduler/internal/models"
	"ingest-scheduler/internal/telemetry"
)

// Store persists lock rows with compare-and-swap semantics.
type Store interface {
	// GetLock returns the current row for jobName, or models.ErrNotFound.
	GetLock(ctx context.Context, jobName string) (models.JobLock, error)
	// InsertLock creates a row, returning models.ErrAlreadyExists if one is present.
	InsertLock(ctx context.Context, l models.JobLock) error
	// SwapLock replaces the row only if its token still equals expectedToken.
	SwapLock(ctx context.Context, expectedToken string, next models.JobLock) (bool, error)
	// ExtendLock moves locked_until for a row holding token.
	ExtendLock(ctx context.Context, jobName, token string, until, now time.Time) (bool, error)
	// DeleteLock removes the row only if it holds token.
	DeleteLock(ctx context.Context, jobName, token string) (bool, error)
	// DeleteExpiredLocks removes every row with locked_until < now.
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)
}

// Contention reasons.
const (
	ReasonHeld = "held by another process"
	ReasonRace = "lost race for expired lock"
)

// ErrLockContention matches any ContentionError via errors.Is.
var ErrLockContention = errors.New("lock contention")

// ContentionError reports that another process holds or just took the lock.
type ContentionError struct {
	JobName     string
	Reason      string
	LockedUntil time.Time
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("lock %q %s", e.JobName, e.Reason)
}

func (e *ContentionError) Is(target error) bool { return target == ErrLockContention }

// Grant is the outcome of Acquire.
type Grant struct {
	Granted     bool
	Token       string
	LockedUntil time.Time
	// Err carries the ContentionError when Granted is false.
	Err error
}

// Locker implements acquire/release/extend/cleanup over a Store.
type Locker struct {
	store  Store
	now    func() time.Time
	token  func() string
	logger *slog.Logger
}

// Option customizes a Locker.
type Option func(*Locker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// New constructs a Locker.
func New(store Store, opts ...Option) *Locker {
	l := &Locker{
		store:  store,
		now:    time.Now,
		token:  func() string { return uuid.New().String() },
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Acquire tries once to take the lock for jobName; it never waits. A lost
// contention is reported through Grant, not the error, which is reserved for
// store failures.
func (l *Locker) Acquire(ctx context.Context, jobName string, ttl time.Duration) (Grant, error) {
	now := l.now().UTC()
	next := models.JobLock{
		JobName:     jobName,
		LockedUntil: now.Add(ttl),
		LockToken:   l.token(),
		UpdatedAt:   now,
	}

	current, err := l.store.GetLock(ctx, jobName)
	switch {
	case errors.Is(err, models.ErrNotFound):
		if err := l.store.InsertLock(ctx, next); err != nil {
			if errors.Is(err, models.ErrAlreadyExists) {
				return l.deny(jobName, ReasonHeld, time.Time{}), nil
			}
			return Grant{}, fmt.Errorf("insert lock %s: %w", jobName, err)
		}
	case err != nil:
		return Grant{}, fmt.Errorf("read lock %s: %w", jobName, err)
	case !current.Expired(now):
		return l.deny(jobName, ReasonHeld, current.LockedUntil), nil
	default:
		ok, err := l.store.SwapLock(ctx, current.LockToken, next)
		if err != nil {
			return Grant{}, fmt.Errorf("take over lock %s: %w", jobName, err)
		}
		if !ok {
			return l.deny(jobName, ReasonRace, time.Time{}), nil
		}
		l.logger.Info("took over expired lock", "job", jobName, "expired_at", current.LockedUntil)
	}

	telemetry.LockAcquisitions.WithLabelValues("granted").Inc()
	return Grant{Granted: true, Token: next.LockToken, LockedUntil: next.LockedUntil}, nil
}

func (l *Locker) deny(jobName, reason string, until time.Time) Grant {
	telemetry.LockAcquisitions.WithLabelValues("denied").Inc()
	return Grant{Err: &ContentionError{JobName: jobName, Reason: reason, LockedUntil: until}}
}

// Release deletes the lock if token still owns it. Failures are logged and
// swallowed; the TTL guarantees recovery.
func (l *Locker) Release(ctx context.Context, jobName, token string) {
	ok, err := l.store.DeleteLock(ctx, jobName, token)
	if err != nil {
		l.logger.Warn("release lock failed", "job", jobName, "error", err)
		return
	}
	if !ok {
		l.logger.Warn("release skipped: lock no longer owned", "job", jobName)
	}
}

// Extend pushes the expiry of a lock still owned by token to now+ttl.
func (l *Locker) Extend(ctx context.Context, jobName, token string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()
	ok, err := l.store.ExtendLock(ctx, jobName, token, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", jobName, err)
	}
	return ok, nil
}

// CleanupExpired deletes all expired lock rows and returns how many were removed.
func (l *Locker) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := l.store.DeleteExpiredLocks(ctx, l.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	return n, nil
}

// WithLock acquires jobName, runs fn, and always releases afterwards. It
// returns a ContentionError when the lock is not granted.
func (l *Locker) WithLock(ctx context.Context, jobName string, ttl time.Duration, fn func(ctx context.Context) error) error {
	g, err := l.Acquire(ctx, jobName, ttl)
	if err != nil {
		return err
	}
	if !g.Granted {
		return g.Err
	}
	defer l.Release(context.WithoutCancel(ctx), jobName, g.Token)
	return fn(ctx)
}
