package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"ingest-scheduler/internal/archive"
	"ingest-scheduler/internal/models"
)

// ArchiveSource exposes one date-partitioned table to the archival coordinator.
// Rows are paged in key order with keyset pagination.
type ArchiveSource struct {
	s       *Store
	name    string
	table   string
	dateCol string
	keyCols []string
}

var _ archive.Source = (*ArchiveSource)(nil)

// ArchiveSource binds table to the archive.Source port. table may be schema-qualified.
func (s *Store) ArchiveSource(table, dateColumn string, keyColumns []string) (*ArchiveSource, error) {
	if table == "" || dateColumn == "" {
		return nil, errors.New("archive source needs a table and a date column")
	}
	if len(keyColumns) == 0 {
		keyColumns = []string{dateColumn}
	}
	keys := make([]string, len(keyColumns))
	for i, c := range keyColumns {
		keys[i] = pgx.Identifier{c}.Sanitize()
	}
	return &ArchiveSource{
		s:       s,
		name:    table,
		table:   pgx.Identifier(strings.Split(table, ".")).Sanitize(),
		dateCol: pgx.Identifier{dateColumn}.Sanitize(),
		keyCols: keys,
	}, nil
}

func (a *ArchiveSource) Table() string { return a.name }

func (a *ArchiveSource) SizeBytes(ctx context.Context) (int64, error) {
	var n int64
	if err := a.s.pool.QueryRow(ctx, `SELECT pg_total_relation_size($1::regclass)`, a.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("relation size %s: %w", a.name, err)
	}
	return n, nil
}

func (a *ArchiveSource) DateStats(ctx context.Context) (archive.DateStats, bool, error) {
	var (
		minDate, maxDate pgtype.Date
		days             int
	)
	q := fmt.Sprintf(`SELECT MIN(%[1]s), MAX(%[1]s), COUNT(DISTINCT %[1]s) FROM %[2]s`, a.dateCol, a.table)
	if err := a.s.pool.QueryRow(ctx, q).Scan(&minDate, &maxDate, &days); err != nil {
		return archive.DateStats{}, false, fmt.Errorf("date stats %s: %w", a.name, err)
	}
	if days == 0 || !minDate.Valid {
		return archive.DateStats{}, false, nil
	}
	return archive.DateStats{
		MinDate:         models.DateOnly(minDate.Time),
		MaxDate:         models.DateOnly(maxDate.Time),
		TradingDayCount: days,
	}, true, nil
}

func (a *ArchiveSource) NthOldestDate(ctx context.Context, n int) (time.Time, error) {
	var d pgtype.Date
	q := fmt.Sprintf(`SELECT DISTINCT %[1]s FROM %[2]s ORDER BY %[1]s OFFSET $1 LIMIT 1`, a.dateCol, a.table)
	err := a.s.pool.QueryRow(ctx, q, n-1).Scan(&d)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, models.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("nth oldest date %s: %w", a.name, err)
	}
	return models.DateOnly(d.Time), nil
}

func (a *ArchiveSource) DaysAfter(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	q := fmt.Sprintf(`SELECT COUNT(DISTINCT %[1]s) FROM %[2]s WHERE %[1]s > $1`, a.dateCol, a.table)
	if err := a.s.pool.QueryRow(ctx, q, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("days after cutoff %s: %w", a.name, err)
	}
	return n, nil
}

func (a *ArchiveSource) ExportPage(ctx context.Context, cutoff time.Time, after archive.Cursor, limit int) (archive.ExportPage, error) {
	keys := strings.Join(a.keyCols, ", ")
	args := []any{cutoff}
	where := fmt.Sprintf("%s <= $1", a.dateCol)
	if after != nil {
		if len(after) != len(a.keyCols) {
			return archive.ExportPage{}, fmt.Errorf("cursor has %d values, want %d", len(after), len(a.keyCols))
		}
		ph := make([]string, len(after))
		for i, v := range after {
			args = append(args, v)
			ph[i] = "$" + strconv.Itoa(len(args))
		}
		where += fmt.Sprintf(" AND (%s) > (%s)", keys, strings.Join(ph, ", "))
	}
	args = append(args, limit)
	q := fmt.Sprintf(`SELECT * FROM %s WHERE %s ORDER BY %s LIMIT $%d`, a.table, where, keys, len(args))

	rows, err := a.s.pool.Query(ctx, q, args...)
	if err != nil {
		return archive.ExportPage{}, fmt.Errorf("export %s: %w", a.name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	page := archive.ExportPage{Columns: make([]string, len(fields))}
	byName := make(map[string]int, len(fields))
	for i, f := range fields {
		page.Columns[i] = f.Name
		byName[pgx.Identifier{f.Name}.Sanitize()] = i
	}
	keyIdx := make([]int, 0, len(a.keyCols))
	for _, k := range a.keyCols {
		if i, ok := byName[k]; ok {
			keyIdx = append(keyIdx, i)
		}
	}
	if len(keyIdx) != len(a.keyCols) {
		return archive.ExportPage{}, fmt.Errorf("export %s: key columns not all present in table", a.name)
	}

	var last []any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return archive.ExportPage{}, fmt.Errorf("read row: %w", err)
		}
		rec := make([]string, len(vals))
		for i, v := range vals {
			rec[i] = formatValue(v)
		}
		page.Rows = append(page.Rows, rec)
		last = vals
	}
	if err := rows.Err(); err != nil {
		return archive.ExportPage{}, fmt.Errorf("export %s: %w", a.name, err)
	}
	if len(page.Rows) == limit && last != nil {
		next := make(archive.Cursor, len(keyIdx))
		for i, idx := range keyIdx {
			next[i] = last[idx]
		}
		page.Next = next
	}
	return page, nil
}

// DeleteThroughVerified counts and deletes in one REPEATABLE READ transaction.
// The table is locked against writers before the snapshot is taken, so no row
// can enter the cutoff range between the count and the delete.
func (a *ArchiveSource) DeleteThroughVerified(ctx context.Context, cutoff time.Time, expected int64) (int64, error) {
	tx, err := a.s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if _, err := tx.Exec(ctx, `LOCK TABLE `+a.table+` IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return 0, fmt.Errorf("lock %s: %w", a.name, err)
	}
	var current int64
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s <= $1`, a.table, a.dateCol)
	if err := tx.QueryRow(ctx, q, cutoff).Scan(&current); err != nil {
		return 0, fmt.Errorf("count through cutoff %s: %w", a.name, err)
	}
	if current != expected {
		return 0, &archive.RowCountMismatchError{Exported: expected, Current: current}
	}

	q = fmt.Sprintf(`DELETE FROM %s WHERE %s <= $1`, a.table, a.dateCol)
	tag, err := tx.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete through cutoff %s: %w", a.name, err)
	}
	if tag.RowsAffected() != expected {
		return 0, &archive.RowCountMismatchError{Exported: expected, Current: tag.RowsAffected()}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete %s: %w", a.name, err)
	}
	return expected, nil
}

// Reclaim runs VACUUM, which cannot execute inside a transaction block.
func (a *ArchiveSource) Reclaim(ctx context.Context) error {
	if _, err := a.s.pool.Exec(ctx, `VACUUM (ANALYZE) `+a.table); err != nil {
		return fmt.Errorf("vacuum %s: %w", a.name, err)
	}
	return nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case time.Time:
		if t.Equal(models.DateOnly(t)) {
			return t.Format(models.DateLayout)
		}
		return t.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(t)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case driver.Valuer:
		dv, err := t.Value()
		if err == nil {
			return formatValue(dv)
		}
	case map[string]any, []any:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}
