// Package heartbeat keeps one liveness row per job and evaluates staleness.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ingest-scheduler/internal/models"
)

// DefaultStaleThreshold fits a daily job with an hour of slack.
const DefaultStaleThreshold = 25 * time.Hour

// Store persists heartbeat rows keyed by job name.
type Store interface {
	UpsertHeartbeat(ctx context.Context, hb models.Heartbeat) error
	// GetHeartbeat returns models.ErrNotFound when the job never reported.
	GetHeartbeat(ctx context.Context, jobName string) (models.Heartbeat, error)
}

// UpdateOptions carries the optional fields of an update.
type UpdateOptions struct {
	RunID      string
	TargetDate *time.Time
	Error      string
	Meta       models.Meta
}

// Health is the evaluation of a single job.
type Health struct {
	JobName   string            `json:"job_name"`
	Healthy   bool              `json:"healthy"`
	Reason    string            `json:"reason,omitempty"`
	Heartbeat *models.Heartbeat `json:"heartbeat,omitempty"`
}

// Report aggregates health across jobs.
type Report struct {
	Healthy bool              `json:"healthy"`
	Jobs    map[string]Health `json:"jobs"`
}

// Monitor writes and evaluates heartbeats.
type Monitor struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func WithLogger(logger *slog.Logger) Option { return func(m *Monitor) { m.logger = logger } }

func New(store Store, opts ...Option) *Monitor {
	m := &Monitor{store: store, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Update upserts the heartbeat for jobName, replacing the previous row.
func (m *Monitor) Update(ctx context.Context, jobName string, status models.Status, opts UpdateOptions) error {
	hb := models.Heartbeat{
		JobName:    jobName,
		LastSeenAt: m.now().UTC(),
		LastStatus: status,
		LastRunID:  models.StringPtr(opts.RunID),
		LastError:  models.TruncatePtr(models.StringPtr(opts.Error), models.MaxHeartbeatErrorLen),
		Meta:       opts.Meta,
	}
	if opts.TargetDate != nil {
		d := models.DateOnly(*opts.TargetDate)
		hb.LastTargetDate = &d
	}
	if hb.Meta == nil {
		hb.Meta = models.Meta{}
	}
	if err := m.store.UpsertHeartbeat(ctx, hb); err != nil {
		return fmt.Errorf("update heartbeat %s: %w", jobName, err)
	}
	return nil
}

// Get returns the heartbeat for jobName, or nil if none was recorded.
func (m *Monitor) Get(ctx context.Context, jobName string) (*models.Heartbeat, error) {
	hb, err := m.store.GetHeartbeat(ctx, jobName)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get heartbeat %s: %w", jobName, err)
	}
	return &hb, nil
}

// IsHealthy evaluates a heartbeat record. A nil record, a stale last_seen_at,
// or a failed last status are each unhealthy on their own.
func (m *Monitor) IsHealthy(hb *models.Heartbeat, staleThreshold time.Duration) (bool, string) {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if hb == nil {
		return false, "no heartbeat recorded"
	}
	if age := m.now().Sub(hb.LastSeenAt); age > staleThreshold {
		return false, fmt.Sprintf("stale: last seen %s ago (threshold %s)", age.Truncate(time.Minute), staleThreshold)
	}
	if hb.LastStatus == models.StatusFailed {
		if hb.LastError != nil {
			return false, "last run failed: " + *hb.LastError
		}
		return false, "last run failed"
	}
	return true, ""
}

// CheckAll reads every job's heartbeat concurrently and evaluates it. A read
// error marks that job unhealthy rather than failing the whole report.
func (m *Monitor) CheckAll(ctx context.Context, jobNames []string, staleThreshold time.Duration) Report {
	var (
		mu     sync.Mutex
		report = Report{Healthy: true, Jobs: make(map[string]Health, len(jobNames))}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range jobNames {
		name := name // per-iteration copy; go.mod is pinned to go 1.21 (pre-1.22 loopvar semantics)
		g.Go(func() error {
			h := Health{JobName: name}
			hb, err := m.Get(gctx, name)
			if err != nil {
				m.logger.Warn("heartbeat read failed", "job", name, "error", err)
				h.Reason = "heartbeat unavailable: " + err.Error()
			} else {
				h.Heartbeat = hb
				h.Healthy, h.Reason = m.IsHealthy(hb, staleThreshold)
			}
			mu.Lock()
			report.Jobs[name] = h
			if !h.Healthy {
				report.Healthy = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}
