package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"ingest-scheduler/internal/heartbeat"
	"ingest-scheduler/internal/models"
)

var _ heartbeat.Store = (*Store)(nil)

// UpsertHeartbeat replaces the job's row wholesale; fields absent from hb are cleared.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	meta, err := encodeMeta(hb.Meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_heartbeat (job_name, last_seen_at, last_status, last_run_id, last_target_date, last_error, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_name) DO UPDATE
		SET last_seen_at = EXCLUDED.last_seen_at,
		    last_status = EXCLUDED.last_status,
		    last_run_id = EXCLUDED.last_run_id,
		    last_target_date = EXCLUDED.last_target_date,
		    last_error = EXCLUDED.last_error,
		    meta = EXCLUDED.meta
	`, hb.JobName, hb.LastSeenAt, string(hb.LastStatus), hb.LastRunID, hb.LastTargetDate, hb.LastError, meta)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

func (s *Store) GetHeartbeat(ctx context.Context, jobName string) (models.Heartbeat, error) {
	var (
		hb         models.Heartbeat
		status     string
		runID      pgtype.Text
		targetDate pgtype.Date
		lastErr    pgtype.Text
		rawMeta    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT job_name, last_seen_at, last_status, last_run_id::text, last_target_date, last_error, meta
		FROM job_heartbeat WHERE job_name = $1
	`, jobName).Scan(&hb.JobName, &hb.LastSeenAt, &status, &runID, &targetDate, &lastErr, &rawMeta)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Heartbeat{}, models.ErrNotFound
	}
	if err != nil {
		return models.Heartbeat{}, fmt.Errorf("query heartbeat: %w", err)
	}
	hb.LastSeenAt = hb.LastSeenAt.UTC()
	hb.LastStatus = models.Status(status)
	hb.LastRunID = textPtr(runID)
	hb.LastTargetDate = datePtr(targetDate)
	hb.LastError = textPtr(lastErr)
	if hb.Meta, err = decodeMeta(rawMeta); err != nil {
		return models.Heartbeat{}, err
	}
	return hb, nil
}
