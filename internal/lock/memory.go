package lock

import (
	"context"
	"sync"
	"time"

	"ingest-scheduler/internal/models"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]models.JobLock
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]models.JobLock)}
}

func (m *MemoryStore) GetLock(_ context.Context, jobName string) (models.JobLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[jobName]
	if !ok {
		return models.JobLock{}, models.ErrNotFound
	}
	return row, nil
}

func (m *MemoryStore) InsertLock(_ context.Context, l models.JobLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[l.JobName]; ok {
		return models.ErrAlreadyExists
	}
	m.rows[l.JobName] = l
	return nil
}

func (m *MemoryStore) SwapLock(_ context.Context, expectedToken string, next models.JobLock) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[next.JobName]
	if !ok || row.LockToken != expectedToken {
		return false, nil
	}
	m.rows[next.JobName] = next
	return true, nil
}

func (m *MemoryStore) ExtendLock(_ context.Context, jobName, token string, until, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[jobName]
	if !ok || row.LockToken != token {
		return false, nil
	}
	row.LockedUntil = until
	row.UpdatedAt = now
	m.rows[jobName] = row
	return true, nil
}

func (m *MemoryStore) DeleteLock(_ context.Context, jobName, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[jobName]
	if !ok || row.LockToken != token {
		return false, nil
	}
	delete(m.rows, jobName)
	return true, nil
}

func (m *MemoryStore) DeleteExpiredLocks(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for name, row := range m.rows {
		if row.LockedUntil.Before(now) {
			delete(m.rows, name)
			n++
		}
	}
	return n, nil
}
