package archive

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ingest-scheduler/internal/models"
)

// Row is one record of a MemorySource. Key orders rows within a date.
type Row struct {
	Date   time.Time
	Key    string
	Values []string
}

// MemorySource is an in-process Source for tests and local runs. Its size is
// modelled as a fixed number of bytes per row.
type MemorySource struct {
	mu          sync.Mutex
	table       string
	columns     []string
	rows        []Row
	bytesPerRow int64
	reclaims    int
}

var _ Source = (*MemorySource)(nil)

func NewMemorySource(table string, columns []string, bytesPerRow int64) *MemorySource {
	return &MemorySource{table: table, columns: columns, bytesPerRow: bytesPerRow}
}

// Insert adds rows, keeping them in (date, key) order.
func (m *MemorySource) Insert(rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		r.Date = models.DateOnly(r.Date)
		m.rows = append(m.rows, r)
	}
	sort.SliceStable(m.rows, func(i, j int) bool { return less(m.rows[i], m.rows[j]) })
}

func (m *MemorySource) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Reclaims reports how many times Reclaim was called.
func (m *MemorySource) Reclaims() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reclaims
}

func (m *MemorySource) Table() string { return m.table }

func (m *MemorySource) SizeBytes(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows)) * m.bytesPerRow, nil
}

func (m *MemorySource) DateStats(context.Context) (DateStats, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dates := m.distinctDates()
	if len(dates) == 0 {
		return DateStats{}, false, nil
	}
	return DateStats{MinDate: dates[0], MaxDate: dates[len(dates)-1], TradingDayCount: len(dates)}, true, nil
}

func (m *MemorySource) NthOldestDate(_ context.Context, n int) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dates := m.distinctDates()
	if n < 1 || n > len(dates) {
		return time.Time{}, models.ErrNotFound
	}
	return dates[n-1], nil
}

func (m *MemorySource) DaysAfter(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, d := range m.distinctDates() {
		if d.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *MemorySource) ExportPage(_ context.Context, cutoff time.Time, after Cursor, limit int) (ExportPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := ExportPage{Columns: append([]string(nil), m.columns...)}
	var from *Row
	if after != nil {
		if len(after) != 2 {
			return page, errors.New("memory cursor must hold date and key")
		}
		d, _ := after[0].(time.Time)
		k, _ := after[1].(string)
		from = &Row{Date: d, Key: k}
	}
	var last Row
	for _, r := range m.rows {
		if r.Date.After(cutoff) {
			break
		}
		if from != nil && !less(*from, r) {
			continue
		}
		page.Rows = append(page.Rows, append([]string(nil), r.Values...))
		last = r
		if len(page.Rows) == limit {
			page.Next = Cursor{last.Date, last.Key}
			break
		}
	}
	return page, nil
}

func (m *MemorySource) DeleteThroughVerified(_ context.Context, cutoff time.Time, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	for _, r := range m.rows {
		if !r.Date.After(cutoff) {
			current++
		}
	}
	if current != expected {
		return 0, &RowCountMismatchError{Exported: expected, Current: current}
	}
	kept := m.rows[:0]
	var deleted int64
	for _, r := range m.rows {
		if r.Date.After(cutoff) {
			kept = append(kept, r)
			continue
		}
		deleted++
	}
	m.rows = kept
	return deleted, nil
}

func (m *MemorySource) Reclaim(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaims++
	return nil
}

func (m *MemorySource) distinctDates() []time.Time {
	var dates []time.Time
	for _, r := range m.rows {
		if n := len(dates); n == 0 || !dates[n-1].Equal(r.Date) {
			dates = append(dates, r.Date)
		}
	}
	return dates
}

func less(a, b Row) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	return a.Key < b.Key
}
