package archive

import (
	"errors"
	"fmt"
	"time"

	"ingest-scheduler/internal/models"
)

// ErrUnsafePlan is returned when the remaining-days guard fails after planning.
var ErrUnsafePlan = errors.New("archival plan would leave too few trading days")

// DateStats summarizes the date column of the archived table.
type DateStats struct {
	MinDate         time.Time
	MaxDate         time.Time
	TradingDayCount int
}

// Plan describes which dates an archival run removes from the primary store.
type Plan struct {
	MinDate         time.Time `json:"min_date"`
	MaxDate         time.Time `json:"max_date"`
	TradingDayCount int       `json:"trading_day_count"`
	ArchiveDays     int       `json:"archive_days"`
	CutoffDate      time.Time `json:"cutoff_date"`
	RemainingDays   int       `json:"remaining_days"`
}

// Meta renders the plan for the run ledger.
func (p Plan) Meta() models.Meta {
	m := models.Meta{
		"min_date":          p.MinDate.Format(models.DateLayout),
		"max_date":          p.MaxDate.Format(models.DateLayout),
		"trading_day_count": p.TradingDayCount,
		"archive_days":      p.ArchiveDays,
		"remaining_days":    p.RemainingDays,
	}
	if !p.CutoffDate.IsZero() {
		m["cutoff_date"] = p.CutoffDate.Format(models.DateLayout)
	}
	return m
}

// ObjectKey is the cold-storage path for the archived range.
func (p Plan) ObjectKey(table string) string {
	return fmt.Sprintf("%s/%s_to_%s.csv.gz", table, p.MinDate.Format(models.DateLayout), p.CutoffDate.Format(models.DateLayout))
}

// ComputePlan sizes the archive window: the oldest min(window, days-minRemaining)
// trading days. ok is false when nothing can be archived safely.
func ComputePlan(stats DateStats, windowDays, minRemainingDays int) (Plan, bool) {
	p := Plan{
		MinDate:         stats.MinDate,
		MaxDate:         stats.MaxDate,
		TradingDayCount: stats.TradingDayCount,
	}
	archiveDays := stats.TradingDayCount - minRemainingDays
	if windowDays < archiveDays {
		archiveDays = windowDays
	}
	if archiveDays <= 0 {
		p.RemainingDays = stats.TradingDayCount
		return p, false
	}
	p.ArchiveDays = archiveDays
	p.RemainingDays = stats.TradingDayCount - archiveDays
	return p, true
}

// VerifyRemaining is the final guard before anything destructive happens.
func VerifyRemaining(remainingDays, minRemainingDays int) error {
	if remainingDays < minRemainingDays {
		return fmt.Errorf("%w: %d remaining, %d required", ErrUnsafePlan, remainingDays, minRemainingDays)
	}
	return nil
}

// RowCountMismatchError aborts archival when the primary store no longer
// holds exactly the rows that were exported.
type RowCountMismatchError struct {
	Exported int64
	Current  int64
}

func (e *RowCountMismatchError) Error() string {
	return fmt.Sprintf("row count mismatch: exported %d rows but primary store has %d; refusing to delete", e.Exported, e.Current)
}
