package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ingest-scheduler/internal/lock"
	"ingest-scheduler/internal/models"
)

var _ lock.Store = (*Store)(nil)

func (s *Store) GetLock(ctx context.Context, jobName string) (models.JobLock, error) {
	var l models.JobLock
	err := s.pool.QueryRow(ctx, `
		SELECT job_name, locked_until, lock_token, updated_at
		FROM job_locks WHERE job_name = $1
	`, jobName).Scan(&l.JobName, &l.LockedUntil, &l.LockToken, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobLock{}, models.ErrNotFound
	}
	if err != nil {
		return models.JobLock{}, fmt.Errorf("query lock: %w", err)
	}
	l.LockedUntil = l.LockedUntil.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

func (s *Store) InsertLock(ctx context.Context, l models.JobLock) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_locks (job_name, locked_until, lock_token, updated_at)
		VALUES ($1, $2, $3, $4)
	`, l.JobName, l.LockedUntil, l.LockToken, l.UpdatedAt)
	if isUniqueViolation(err) {
		return models.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

// SwapLock is the optimistic takeover of an expired row: it only matches while
// the row still carries the token the caller observed.
func (s *Store) SwapLock(ctx context.Context, expectedToken string, next models.JobLock) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_locks
		SET locked_until = $2, lock_token = $3, updated_at = $4
		WHERE job_name = $1 AND lock_token = $5
	`, next.JobName, next.LockedUntil, next.LockToken, next.UpdatedAt, expectedToken)
	if err != nil {
		return false, fmt.Errorf("swap lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ExtendLock(ctx context.Context, jobName, token string, until, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_locks SET locked_until = $3, updated_at = $4
		WHERE job_name = $1 AND lock_token = $2
	`, jobName, token, until, now)
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteLock(ctx context.Context, jobName, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_locks WHERE job_name = $1 AND lock_token = $2
	`, jobName, token)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_locks WHERE locked_until < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
