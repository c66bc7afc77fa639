// Package ledger records job runs and the datasets processed within them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ingest-scheduler/internal/models"
)

// ErrAlreadyExecuted signals that a run for the job and target date exists.
// Callers treat it as a normal skip.
var ErrAlreadyExecuted = errors.New("job already executed for target date")

// Store persists runs and items.
type Store interface {
	// InsertRun returns models.ErrAlreadyExists on a (job_name, target_date) collision.
	InsertRun(ctx context.Context, run models.JobRun) error
	FinishRun(ctx context.Context, runID string, status models.Status, finishedAt time.Time, errMsg *string, meta models.Meta) error
	UpsertItem(ctx context.Context, item models.JobRunItem) error
	FinishItem(ctx context.Context, item models.JobRunItem) error
	GetRun(ctx context.Context, runID string) (models.JobRun, error)
	ListItems(ctx context.Context, runID string) ([]models.JobRunItem, error)
	// LatestRun returns models.ErrNotFound when no run matches.
	LatestRun(ctx context.Context, jobName string, status *models.Status) (models.JobRun, error)
	CountRunsForDate(ctx context.Context, jobName string, targetDate time.Time, status *models.Status) (int, error)
	FailedRuns(ctx context.Context, jobName string, limit int) ([]models.JobRun, error)
}

// ItemResult carries the optional fields recorded when an item completes.
type ItemResult struct {
	RowCount     *int64
	PageCount    *int64
	ErrorMessage string
	Meta         models.Meta
}

// Ledger is the run/item lifecycle API.
type Ledger struct {
	store  Store
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option customizes a Ledger.
type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// StartRun inserts a running JobRun and returns its id. A duplicate
// (jobName, targetDate) returns ErrAlreadyExecuted and leaves the existing row as is.
func (l *Ledger) StartRun(ctx context.Context, jobName string, targetDate *time.Time, meta models.Meta) (string, error) {
	if meta == nil {
		meta = models.Meta{}
	}
	run := models.JobRun{
		RunID:     l.newID(),
		JobName:   jobName,
		Status:    models.StatusRunning,
		StartedAt: l.now().UTC(),
		Meta:      meta,
	}
	if targetDate != nil {
		d := models.DateOnly(*targetDate)
		run.TargetDate = &d
	}
	if err := l.store.InsertRun(ctx, run); err != nil {
		if errors.Is(err, models.ErrAlreadyExists) {
			return "", ErrAlreadyExecuted
		}
		return "", fmt.Errorf("start run %s: %w", jobName, err)
	}
	l.logger.Info("run started", "job", jobName, "run_id", run.RunID, "target_date", formatDate(run.TargetDate))
	return run.RunID, nil
}

// CompleteRun moves a run to a terminal status. Repeated calls overwrite the
// previous outcome.
func (l *Ledger) CompleteRun(ctx context.Context, runID string, status models.Status, errMsg string, meta models.Meta) error {
	if !status.Terminal() {
		return fmt.Errorf("complete run %s: status %q is not terminal", runID, status)
	}
	msg := models.TruncatePtr(models.StringPtr(errMsg), models.MaxRunErrorLen)
	if err := l.store.FinishRun(ctx, runID, status, l.now().UTC(), msg, meta); err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	return nil
}

// StartItem records that dataset began processing within runID.
func (l *Ledger) StartItem(ctx context.Context, runID, dataset string, meta models.Meta) error {
	if meta == nil {
		meta = models.Meta{}
	}
	item := models.JobRunItem{
		RunID:     runID,
		Dataset:   dataset,
		Status:    models.StatusRunning,
		StartedAt: l.now().UTC(),
		Meta:      meta,
	}
	if err := l.store.UpsertItem(ctx, item); err != nil {
		return fmt.Errorf("start item %s/%s: %w", runID, dataset, err)
	}
	return nil
}

// CompleteItem records the terminal status of dataset within runID.
func (l *Ledger) CompleteItem(ctx context.Context, runID, dataset string, status models.Status, res ItemResult) error {
	if !status.Terminal() {
		return fmt.Errorf("complete item %s/%s: status %q is not terminal", runID, dataset, status)
	}
	now := l.now().UTC()
	item := models.JobRunItem{
		RunID:        runID,
		Dataset:      dataset,
		Status:       status,
		RowCount:     res.RowCount,
		PageCount:    res.PageCount,
		StartedAt:    now,
		FinishedAt:   &now,
		ErrorMessage: models.TruncatePtr(models.StringPtr(res.ErrorMessage), models.MaxRunErrorLen),
		Meta:         res.Meta,
	}
	if err := l.store.FinishItem(ctx, item); err != nil {
		return fmt.Errorf("complete item %s/%s: %w", runID, dataset, err)
	}
	return nil
}

// Run fetches a run by id.
func (l *Ledger) Run(ctx context.Context, runID string) (models.JobRun, error) {
	return l.store.GetRun(ctx, runID)
}

// Items lists the items recorded for a run.
func (l *Ledger) Items(ctx context.Context, runID string) ([]models.JobRunItem, error) {
	return l.store.ListItems(ctx, runID)
}

// LatestRun returns the most recently started run for jobName, optionally
// filtered by status. The boolean is false when none exists.
func (l *Ledger) LatestRun(ctx context.Context, jobName string, status *models.Status) (models.JobRun, bool, error) {
	run, err := l.store.LatestRun(ctx, jobName, status)
	if errors.Is(err, models.ErrNotFound) {
		return models.JobRun{}, false, nil
	}
	if err != nil {
		return models.JobRun{}, false, fmt.Errorf("latest run %s: %w", jobName, err)
	}
	return run, true, nil
}

// HasRunForDate reports whether a run exists for jobName on targetDate.
func (l *Ledger) HasRunForDate(ctx context.Context, jobName string, targetDate time.Time, status *models.Status) (bool, error) {
	n, err := l.store.CountRunsForDate(ctx, jobName, models.DateOnly(targetDate), status)
	if err != nil {
		return false, fmt.Errorf("runs for date %s: %w", jobName, err)
	}
	return n > 0, nil
}

// FailedRuns lists the most recent failed runs, newest first.
func (l *Ledger) FailedRuns(ctx context.Context, jobName string, limit int) ([]models.JobRun, error) {
	if limit <= 0 {
		limit = 10
	}
	runs, err := l.store.FailedRuns(ctx, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed runs %s: %w", jobName, err)
	}
	return runs, nil
}

func formatDate(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format(models.DateLayout)
}
