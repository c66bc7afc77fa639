package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Cursor is the composite key of the last exported row.
type Cursor []any

// ExportPage is one fixed-size slice of the export, ordered by the table's key.
type ExportPage struct {
	Columns []string
	Rows    [][]string
	// Next is the cursor to resume after this page; nil once the export is done.
	Next Cursor
}

// Export is the compressed result of exporting rows through a cutoff date.
type Export struct {
	Columns []string
	Rows    int64
	Pages   int
	Data    []byte
	// RawBytes is the uncompressed CSV size.
	RawBytes int64
}

// exportThrough pages every row dated on or before cutoff from src into a
// single gzip-compressed CSV with one shared header.
func exportThrough(ctx context.Context, src Source, cutoff time.Time, pageSize int) (Export, error) {
	var (
		out    Export
		buf    bytes.Buffer
		cursor Cursor
	)
	counter := &countingWriter{}
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return out, fmt.Errorf("gzip writer: %w", err)
	}
	w := csv.NewWriter(io.MultiWriter(zw, counter))

	for {
		page, err := src.ExportPage(ctx, cutoff, cursor, pageSize)
		if err != nil {
			return out, fmt.Errorf("export page %d: %w", out.Pages+1, err)
		}
		if out.Columns == nil {
			out.Columns = page.Columns
			if err := w.Write(page.Columns); err != nil {
				return out, fmt.Errorf("write header: %w", err)
			}
		} else if !slices.Equal(out.Columns, page.Columns) {
			return out, fmt.Errorf("export page %d: column set changed mid-export", out.Pages+1)
		}
		if err := w.WriteAll(page.Rows); err != nil {
			return out, fmt.Errorf("write rows: %w", err)
		}
		out.Pages++
		out.Rows += int64(len(page.Rows))
		if page.Next == nil || len(page.Rows) == 0 {
			break
		}
		cursor = page.Next
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return out, fmt.Errorf("flush csv: %w", err)
	}
	if err := zw.Close(); err != nil {
		return out, fmt.Errorf("close gzip: %w", err)
	}
	out.Data = buf.Bytes()
	out.RawBytes = counter.n
	return out, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
