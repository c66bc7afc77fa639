package store

import (
	"context"
	"fmt"

	"ingest-scheduler/internal/models"
)

// UpsertRawPage stores one upstream page. Re-ingesting the same
// (dataset, target_date, page) overwrites the earlier copy.
func (s *Store) UpsertRawPage(ctx context.Context, p models.RawPage) error {
	var runID *string
	if p.RunID != "" {
		runID = &p.RunID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO raw_payloads (dataset, target_date, page, run_id, body, records, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dataset, target_date, page) DO UPDATE
		SET run_id = EXCLUDED.run_id,
		    body = EXCLUDED.body,
		    records = EXCLUDED.records,
		    fetched_at = EXCLUDED.fetched_at
	`, p.Dataset, models.DateOnly(p.TargetDate), p.Page, runID, p.Body, p.Records, p.FetchedAt)
	if err != nil {
		return fmt.Errorf("upsert raw page %s/%d: %w", p.Dataset, p.Page, err)
	}
	return nil
}
