// Package archive offloads the oldest trading days of the primary table to cold
// storage once the store grows past a size threshold.
//
// The destructive step is gated twice: the remaining-days guard is re-checked
// against the live table after planning, and the rows matching the cutoff
// predicate are re-counted after export in the same atomic step as the delete.
// Rows are deleted only if that count equals the exported row count exactly.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ingest-scheduler/internal/heartbeat"
	"ingest-scheduler/internal/ledger"
	"ingest-scheduler/internal/models"
	"ingest-scheduler/internal/notify"
	"ingest-scheduler/internal/telemetry"
)

// JobName is the ledger and heartbeat key of the archival job.
const JobName = "archive_cold_storage"

// Source is the primary-store table being archived.
type Source interface {
	Table() string
	SizeBytes(ctx context.Context) (int64, error)
	// DateStats returns ok=false when the table is empty.
	DateStats(ctx context.Context) (DateStats, bool, error)
	// NthOldestDate returns the n-th (1-based) oldest distinct date.
	NthOldestDate(ctx context.Context, n int) (time.Time, error)
	// DaysAfter counts distinct dates strictly after cutoff.
	DaysAfter(ctx context.Context, cutoff time.Time) (int, error)
	// ExportPage returns up to limit rows dated <= cutoff after cursor, in key order.
	ExportPage(ctx context.Context, cutoff time.Time, after Cursor, limit int) (ExportPage, error)
	// DeleteThroughVerified deletes the rows dated <= cutoff only if exactly
	// expected of them exist. The count and the delete are one atomic step;
	// any other count returns a *RowCountMismatchError and deletes nothing.
	DeleteThroughVerified(ctx context.Context, cutoff time.Time, expected int64) (int64, error)
	// Reclaim returns freed space to the storage engine.
	Reclaim(ctx context.Context) error
}

// Config sizes the archival window.
type Config struct {
	ThresholdMB      int
	WindowDays       int
	MinRemainingDays int
	PageSize         int
}

// Action discriminates how an archival run ended.
type Action string

const (
	ActionArchived         Action = "archived"
	ActionBelowThreshold   Action = "skipped_below_threshold"
	ActionEmpty            Action = "skipped_empty"
	ActionInsufficientData Action = "skipped_insufficient_data"
	ActionFailed           Action = "failed"
)

// Result reports an archival run.
type Result struct {
	Action          Action        `json:"action"`
	RunID           string        `json:"run_id"`
	Plan            *Plan         `json:"plan,omitempty"`
	ObjectURI       string        `json:"object_uri,omitempty"`
	RowsArchived    int64         `json:"rows_archived"`
	SizeBeforeBytes int64         `json:"size_before_bytes"`
	SizeAfterBytes  int64         `json:"size_after_bytes"`
	BytesSaved      int64         `json:"bytes_saved"`
	Duration        time.Duration `json:"duration"`
}

// Meta renders the result for the run ledger.
func (r Result) Meta() models.Meta {
	m := models.Meta{
		"action":            string(r.Action),
		"size_before_bytes": r.SizeBeforeBytes,
		"duration_ms":       r.Duration.Milliseconds(),
	}
	if r.Plan != nil {
		m = m.Merge(r.Plan.Meta())
	}
	if r.Action == ActionArchived {
		m["object_uri"] = r.ObjectURI
		m["rows_archived"] = r.RowsArchived
		m["size_after_bytes"] = r.SizeAfterBytes
		m["bytes_saved"] = r.BytesSaved
	}
	return m
}

// Coordinator runs the archival protocol.
type Coordinator struct {
	cfg      Config
	source   Source
	storage  ColdStorage
	ledger   *ledger.Ledger
	monitor  *heartbeat.Monitor
	notifier *notify.Safe
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Coordinator.
func New(cfg Config, src Source, storage ColdStorage, l *ledger.Ledger, m *heartbeat.Monitor, n *notify.Safe, logger *slog.Logger) *Coordinator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.NewSafe(nil, logger)
	}
	return &Coordinator{
		cfg:      cfg,
		source:   src,
		storage:  storage,
		ledger:   l,
		monitor:  m,
		notifier: n,
		logger:   logger.With("job", JobName, "table", src.Table()),
		now:      time.Now,
	}
}

// Run executes one archival pass. Skips are successful runs with a skip
// Action; any fatal error marks the run failed, sends a failure notification
// and is returned.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	start := c.now()
	runID, err := c.ledger.StartRun(ctx, JobName, nil, models.Meta{
		"table":              c.source.Table(),
		"threshold_mb":       c.cfg.ThresholdMB,
		"window_days":        c.cfg.WindowDays,
		"min_remaining_days": c.cfg.MinRemainingDays,
	})
	if err != nil {
		return Result{Action: ActionFailed}, err
	}
	c.beat(ctx, runID, models.StatusRunning, "", nil)

	res, err := c.archive(ctx)
	res.RunID = runID
	res.Duration = c.now().Sub(start)

	if err != nil {
		res.Action = ActionFailed
		c.finish(ctx, runID, models.StatusFailed, err.Error(), res.Meta())
		c.beat(ctx, runID, models.StatusFailed, err.Error(), res.Meta())
		c.notifier.Failure(ctx, notify.Event{
			JobName: JobName, RunID: runID, Status: models.StatusFailed,
			Summary: "archival failed", Error: err.Error(), Duration: res.Duration, Meta: res.Meta(),
		})
		telemetry.JobRuns.WithLabelValues(JobName, string(ActionFailed)).Inc()
		return res, err
	}

	c.finish(ctx, runID, models.StatusSuccess, "", res.Meta())
	c.beat(ctx, runID, models.StatusSuccess, "", res.Meta())
	telemetry.JobRuns.WithLabelValues(JobName, string(res.Action)).Inc()
	if res.Action == ActionArchived {
		telemetry.ArchiveRows.Add(float64(res.RowsArchived))
		if res.BytesSaved > 0 {
			telemetry.ArchiveBytesSaved.Add(float64(res.BytesSaved))
		}
		c.notifier.Success(ctx, notify.Event{
			JobName: JobName, RunID: runID, Status: models.StatusSuccess,
			Summary:  fmt.Sprintf("archived %d rows to %s, saved %d bytes", res.RowsArchived, res.ObjectURI, res.BytesSaved),
			Duration: res.Duration, Meta: res.Meta(),
		})
	}
	c.logger.Info("archival finished", "run_id", runID, "action", res.Action, "rows", res.RowsArchived, "duration", res.Duration)
	return res, nil
}

func (c *Coordinator) archive(ctx context.Context) (Result, error) {
	var res Result

	size, err := c.source.SizeBytes(ctx)
	if err != nil {
		return res, fmt.Errorf("measure store size: %w", err)
	}
	res.SizeBeforeBytes = size
	threshold := int64(c.cfg.ThresholdMB) * 1024 * 1024
	if size < threshold {
		c.logger.Info("store below archival threshold", "size_bytes", size, "threshold_bytes", threshold)
		res.Action = ActionBelowThreshold
		return res, nil
	}

	stats, ok, err := c.source.DateStats(ctx)
	if err != nil {
		return res, fmt.Errorf("read date range: %w", err)
	}
	if !ok {
		res.Action = ActionEmpty
		return res, nil
	}

	plan, ok := ComputePlan(stats, c.cfg.WindowDays, c.cfg.MinRemainingDays)
	res.Plan = &plan
	if !ok {
		c.logger.Info("not enough trading days to archive", "trading_days", stats.TradingDayCount, "min_remaining", c.cfg.MinRemainingDays)
		res.Action = ActionInsufficientData
		return res, nil
	}

	cutoff, err := c.source.NthOldestDate(ctx, plan.ArchiveDays)
	if err != nil {
		return res, fmt.Errorf("find cutoff date: %w", err)
	}
	plan.CutoffDate = models.DateOnly(cutoff)

	remaining, err := c.source.DaysAfter(ctx, plan.CutoffDate)
	if err != nil {
		return res, fmt.Errorf("count remaining days: %w", err)
	}
	plan.RemainingDays = remaining
	if err := VerifyRemaining(remaining, c.cfg.MinRemainingDays); err != nil {
		return res, err
	}
	c.logger.Info("archival plan", "cutoff", plan.CutoffDate.Format(models.DateLayout), "archive_days", plan.ArchiveDays, "remaining_days", remaining)

	export, err := exportThrough(ctx, c.source, plan.CutoffDate, c.cfg.PageSize)
	if err != nil {
		return res, err
	}
	if export.Rows == 0 {
		return res, errors.New("export returned no rows for a non-empty plan")
	}

	key := plan.ObjectKey(c.source.Table())
	uri, err := c.storage.Put(ctx, key, export.Data, "application/gzip")
	if err != nil {
		return res, fmt.Errorf("upload %s: %w", key, err)
	}
	res.ObjectURI = uri
	c.logger.Info("export uploaded", "uri", uri, "rows", export.Rows, "pages", export.Pages, "compressed_bytes", len(export.Data), "raw_bytes", export.RawBytes)

	deleted, err := c.source.DeleteThroughVerified(ctx, plan.CutoffDate, export.Rows)
	if err != nil {
		return res, fmt.Errorf("delete archived rows: %w", err)
	}
	res.RowsArchived = deleted

	if err := c.source.Reclaim(ctx); err != nil {
		c.logger.Warn("reclaim space failed", "error", err)
	}
	after, err := c.source.SizeBytes(ctx)
	if err != nil {
		c.logger.Warn("measure size after archival failed", "error", err)
		after = size
	}
	res.SizeAfterBytes = after
	res.BytesSaved = size - after
	res.Action = ActionArchived
	return res, nil
}

func (c *Coordinator) finish(ctx context.Context, runID string, status models.Status, errMsg string, meta models.Meta) {
	if err := c.ledger.CompleteRun(ctx, runID, status, errMsg, meta); err != nil {
		telemetry.LedgerWriteErrors.Inc()
		c.logger.Error("complete run failed", "run_id", runID, "error", err)
	}
}

func (c *Coordinator) beat(ctx context.Context, runID string, status models.Status, errMsg string, meta models.Meta) {
	if c.monitor == nil {
		return
	}
	if err := c.monitor.Update(ctx, JobName, status, heartbeat.UpdateOptions{RunID: runID, Error: errMsg, Meta: meta}); err != nil {
		telemetry.LedgerWriteErrors.Inc()
		c.logger.Warn("heartbeat update failed", "run_id", runID, "error", err)
	}
}
