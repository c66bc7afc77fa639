package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"ingest-scheduler/internal/ledger"
	"ingest-scheduler/internal/models"
)

var _ ledger.Store = (*Store)(nil)

const runColumns = `run_id::text, job_name, target_date, status, started_at, finished_at, error_message, meta`

// InsertRun relies on the partial unique index over (job_name, target_date) so
// two schedulers racing on the same day cannot both insert.
func (s *Store) InsertRun(ctx context.Context, run models.JobRun) error {
	meta, err := encodeMeta(run.Meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_runs (run_id, job_name, target_date, status, started_at, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.RunID, run.JobName, run.TargetDate, string(run.Status), run.StartedAt, meta)
	if isUniqueViolation(err) {
		return models.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status models.Status, finishedAt time.Time, errMsg *string, meta models.Meta) error {
	raw, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $2, finished_at = $3, error_message = $4, meta = meta || $5::jsonb
		WHERE run_id = $1
	`, runID, string(status), finishedAt, errMsg, raw)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertItem(ctx context.Context, item models.JobRunItem) error {
	meta, err := encodeMeta(item.Meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_run_items (run_id, dataset, status, started_at, meta)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, dataset) DO UPDATE
		SET status = EXCLUDED.status,
		    started_at = EXCLUDED.started_at,
		    finished_at = NULL,
		    error_message = NULL,
		    meta = job_run_items.meta || EXCLUDED.meta
	`, item.RunID, item.Dataset, string(item.Status), item.StartedAt, meta)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

func (s *Store) FinishItem(ctx context.Context, item models.JobRunItem) error {
	meta, err := encodeMeta(item.Meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_run_items (run_id, dataset, status, row_count, page_count, started_at, finished_at, error_message, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, dataset) DO UPDATE
		SET status = EXCLUDED.status,
		    row_count = EXCLUDED.row_count,
		    page_count = EXCLUDED.page_count,
		    finished_at = EXCLUDED.finished_at,
		    error_message = EXCLUDED.error_message,
		    meta = job_run_items.meta || EXCLUDED.meta
	`, item.RunID, item.Dataset, string(item.Status), item.RowCount, item.PageCount, item.StartedAt, item.FinishedAt, item.ErrorMessage, meta)
	if err != nil {
		return fmt.Errorf("finish item: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (models.JobRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM job_runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, models.ErrNotFound
	}
	return run, err
}

func (s *Store) ListItems(ctx context.Context, runID string) ([]models.JobRunItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, dataset, status, row_count, page_count, started_at, finished_at, error_message, meta
		FROM job_run_items WHERE run_id = $1 ORDER BY dataset
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []models.JobRunItem
	for rows.Next() {
		var (
			item       models.JobRunItem
			status     string
			rowCount   pgtype.Int8
			pageCount  pgtype.Int8
			finishedAt pgtype.Timestamptz
			errMsg     pgtype.Text
			rawMeta    []byte
		)
		if err := rows.Scan(&item.RunID, &item.Dataset, &status, &rowCount, &pageCount, &item.StartedAt, &finishedAt, &errMsg, &rawMeta); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.Status = models.Status(status)
		item.RowCount = int8Ptr(rowCount)
		item.PageCount = int8Ptr(pageCount)
		item.StartedAt = item.StartedAt.UTC()
		item.FinishedAt = timePtr(finishedAt)
		item.ErrorMessage = textPtr(errMsg)
		if item.Meta, err = decodeMeta(rawMeta); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) LatestRun(ctx context.Context, jobName string, status *models.Status) (models.JobRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM job_runs
		WHERE job_name = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY started_at DESC LIMIT 1
	`, jobName, statusArg(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, models.ErrNotFound
	}
	return run, err
}

func (s *Store) CountRunsForDate(ctx context.Context, jobName string, targetDate time.Time, status *models.Status) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_runs
		WHERE job_name = $1 AND target_date = $2 AND ($3::text IS NULL OR status = $3)
	`, jobName, models.DateOnly(targetDate), statusArg(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

func (s *Store) FailedRuns(ctx context.Context, jobName string, limit int) ([]models.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM job_runs
		WHERE job_name = $1 AND status = $2
		ORDER BY started_at DESC LIMIT $3
	`, jobName, string(models.StatusFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("query failed runs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (models.JobRun, error) {
	var (
		run        models.JobRun
		status     string
		targetDate pgtype.Date
		finishedAt pgtype.Timestamptz
		errMsg     pgtype.Text
		rawMeta    []byte
	)
	if err := row.Scan(&run.RunID, &run.JobName, &targetDate, &status, &run.StartedAt, &finishedAt, &errMsg, &rawMeta); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRun{}, err
		}
		return models.JobRun{}, fmt.Errorf("scan run: %w", err)
	}
	run.Status = models.Status(status)
	run.TargetDate = datePtr(targetDate)
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = timePtr(finishedAt)
	run.ErrorMessage = textPtr(errMsg)
	meta, err := decodeMeta(rawMeta)
	if err != nil {
		return models.JobRun{}, err
	}
	run.Meta = meta
	return run, nil
}

func statusArg(status *models.Status) *string {
	if status == nil {
		return nil
	}
	s := string(*status)
	return &s
}
