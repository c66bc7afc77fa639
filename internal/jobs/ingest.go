package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"ingest-scheduler/internal/calendar"
	"ingest-scheduler/internal/ledger"
	"ingest-scheduler/internal/models"
	"ingest-scheduler/internal/upstream"
)

// Pager is the paginated part of the upstream client.
type Pager interface {
	Paginate(ctx context.Context, endpoint string, params url.Values, opts upstream.PageOptions, fn func(upstream.Page) error) (int, error)
}

// Sink stores raw upstream pages. Writes must be idempotent per page key.
type Sink interface {
	UpsertRawPage(ctx context.Context, p models.RawPage) error
}

// IngestConfig selects what an IngestJob pulls.
type IngestConfig struct {
	JobName   string
	Datasets  []string
	PageLimit int
	MaxPages  int
}

// IngestJob pulls every configured dataset for the previous trading day.
type IngestJob struct {
	cfg    IngestConfig
	pager  Pager
	sink   Sink
	cal    calendar.Calendar
	logger *slog.Logger
	now    func() time.Time
}

var _ Job = (*IngestJob)(nil)

func NewIngestJob(cfg IngestConfig, pager Pager, sink Sink, cal calendar.Calendar, logger *slog.Logger) *IngestJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestJob{cfg: cfg, pager: pager, sink: sink, cal: cal, logger: logger, now: time.Now}
}

func (j *IngestJob) Name() string { return j.cfg.JobName }

// TargetDate is the trading day before now.
func (j *IngestJob) TargetDate(now time.Time) *time.Time {
	d := models.DateOnly(j.cal.PreviousTradingDay(now))
	return &d
}

// Run attempts every dataset even after one fails; the run fails if any did.
func (j *IngestJob) Run(ctx context.Context, run Run) (models.Meta, error) {
	if run.TargetDate == nil {
		return nil, errors.New("ingest run requires a target date")
	}
	var (
		errs      []error
		totalRows int64
		succeeded int
	)
	for _, dataset := range j.cfg.Datasets {
		rows, err := j.ingestDataset(ctx, run, dataset)
		if err != nil {
			errs = append(errs, fmt.Errorf("dataset %s: %w", dataset, err))
			continue
		}
		totalRows += rows
		succeeded++
	}
	meta := models.Meta{
		"datasets":           len(j.cfg.Datasets),
		"datasets_succeeded": succeeded,
		"rows":               totalRows,
		"target_date":        run.TargetDate.Format(models.DateLayout),
	}
	if len(errs) > 0 {
		return meta, fmt.Errorf("%d of %d datasets failed: %w", len(errs), len(j.cfg.Datasets), errors.Join(errs...))
	}
	return meta, nil
}

func (j *IngestJob) ingestDataset(ctx context.Context, run Run, dataset string) (int64, error) {
	log := j.logger.With("job", run.JobName, "run_id", run.ID, "dataset", dataset)
	if err := run.Ledger.StartItem(ctx, run.ID, dataset, nil); err != nil {
		log.Warn("start item failed", "error", err)
	}

	params := url.Values{}
	params.Set("date", run.TargetDate.Format(models.DateLayout))
	if j.cfg.PageLimit > 0 {
		params.Set("limit", strconv.Itoa(j.cfg.PageLimit))
	}

	var rows int64
	pages, err := j.pager.Paginate(ctx, "/"+dataset, params, upstream.PageOptions{MaxPages: j.cfg.MaxPages}, func(p upstream.Page) error {
		n := countRecords(p.Body)
		if err := j.sink.UpsertRawPage(ctx, models.RawPage{
			Dataset:    dataset,
			TargetDate: *run.TargetDate,
			Page:       p.Number,
			RunID:      run.ID,
			Body:       p.Body,
			Records:    n,
			FetchedAt:  j.now().UTC(),
		}); err != nil {
			return fmt.Errorf("store page %d: %w", p.Number, err)
		}
		rows += n
		return nil
	})

	pageCount := int64(pages)
	result := ledger.ItemResult{RowCount: &rows, PageCount: &pageCount}
	status := models.StatusSuccess
	if err != nil {
		status = models.StatusFailed
		result.ErrorMessage = err.Error()
	}
	if cerr := run.Ledger.CompleteItem(ctx, run.ID, dataset, status, result); cerr != nil {
		log.Warn("complete item failed", "error", cerr)
	}
	if err != nil {
		log.Error("dataset failed", "pages", pages, "error", err)
		return rows, err
	}
	log.Info("dataset ingested", "pages", pages, "rows", rows)
	return rows, nil
}

// countRecords counts the entries of a page: a top-level JSON array, or the
// array under "data" or "results". Anything else counts as zero.
func countRecords(body []byte) int64 {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return int64(len(arr))
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0
	}
	for _, key := range []string{"data", "results"} {
		if raw, ok := doc[key]; ok {
			if err := json.Unmarshal(raw, &arr); err == nil {
				return int64(len(arr))
			}
		}
	}
	return 0
}
