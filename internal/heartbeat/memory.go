package heartbeat

import (
	"context"
	"sync"

	"ingest-scheduler/internal/models"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]models.Heartbeat
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]models.Heartbeat)}
}

func (m *MemoryStore) UpsertHeartbeat(_ context.Context, hb models.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[hb.JobName] = hb
	return nil
}

func (m *MemoryStore) GetHeartbeat(_ context.Context, jobName string) (models.Heartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb, ok := m.rows[jobName]
	if !ok {
		return models.Heartbeat{}, models.ErrNotFound
	}
	return hb, nil
}
