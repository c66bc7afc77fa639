package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"ingest-scheduler/internal/models"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	runs  map[string]models.JobRun
	order []string
	items map[string][]models.JobRunItem
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]models.JobRun),
		items: make(map[string][]models.JobRunItem),
	}
}

func (m *MemoryStore) InsertRun(_ context.Context, run models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.RunID]; ok {
		return models.ErrAlreadyExists
	}
	if run.TargetDate != nil {
		for _, existing := range m.runs {
			if existing.JobName == run.JobName && existing.TargetDate != nil && existing.TargetDate.Equal(*run.TargetDate) {
				return models.ErrAlreadyExists
			}
		}
	}
	run.Meta = models.Meta{}.Merge(run.Meta)
	m.runs[run.RunID] = run
	m.order = append(m.order, run.RunID)
	return nil
}

func (m *MemoryStore) FinishRun(_ context.Context, runID string, status models.Status, finishedAt time.Time, errMsg *string, meta models.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return models.ErrNotFound
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.ErrorMessage = errMsg
	run.Meta = run.Meta.Merge(meta)
	m.runs[runID] = run
	return nil
}

func (m *MemoryStore) UpsertItem(_ context.Context, item models.JobRunItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items[item.RunID]
	for i := range items {
		if items[i].Dataset == item.Dataset {
			items[i].Status = item.Status
			items[i].StartedAt = item.StartedAt
			items[i].FinishedAt = nil
			items[i].ErrorMessage = nil
			items[i].Meta = items[i].Meta.Merge(item.Meta)
			return nil
		}
	}
	item.Meta = models.Meta{}.Merge(item.Meta)
	m.items[item.RunID] = append(items, item)
	return nil
}

func (m *MemoryStore) FinishItem(_ context.Context, item models.JobRunItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items[item.RunID]
	for i := range items {
		if items[i].Dataset == item.Dataset {
			items[i].Status = item.Status
			items[i].RowCount = item.RowCount
			items[i].PageCount = item.PageCount
			items[i].FinishedAt = item.FinishedAt
			items[i].ErrorMessage = item.ErrorMessage
			items[i].Meta = items[i].Meta.Merge(item.Meta)
			return nil
		}
	}
	item.Meta = models.Meta{}.Merge(item.Meta)
	m.items[item.RunID] = append(items, item)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return models.JobRun{}, models.ErrNotFound
	}
	return run, nil
}

func (m *MemoryStore) ListItems(_ context.Context, runID string) ([]models.JobRunItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.JobRunItem(nil), m.items[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset < out[j].Dataset })
	return out, nil
}

// newestFirst returns runs for jobName matching keep, most recent start first.
func (m *MemoryStore) newestFirst(jobName string, keep func(models.JobRun) bool) []models.JobRun {
	var out []models.JobRun
	for i := len(m.order) - 1; i >= 0; i-- {
		run := m.runs[m.order[i]]
		if run.JobName == jobName && keep(run) {
			out = append(out, run)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *MemoryStore) LatestRun(_ context.Context, jobName string, status *models.Status) (models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.newestFirst(jobName, func(r models.JobRun) bool { return status == nil || r.Status == *status })
	if len(runs) == 0 {
		return models.JobRun{}, models.ErrNotFound
	}
	return runs[0], nil
}

func (m *MemoryStore) CountRunsForDate(_ context.Context, jobName string, targetDate time.Time, status *models.Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.newestFirst(jobName, func(r models.JobRun) bool {
		return r.TargetDate != nil && r.TargetDate.Equal(targetDate) && (status == nil || r.Status == *status)
	})
	return len(runs), nil
}

func (m *MemoryStore) FailedRuns(_ context.Context, jobName string, limit int) ([]models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.newestFirst(jobName, func(r models.JobRun) bool { return r.Status == models.StatusFailed })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
