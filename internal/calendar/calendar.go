package calendar

import (
	"fmt"
	"time"

	"ingest-scheduler/internal/models"
)

// Calendar answers business-day questions.
type Calendar interface {
	IsTradingDay(d time.Time) bool
	PreviousTradingDay(d time.Time) time.Time
	TradingDaysBetween(from, to time.Time) int
}

// Weekday treats Monday through Friday as trading days, minus listed holidays.
type Weekday struct {
	holidays map[time.Time]struct{}
}

var _ Calendar = (*Weekday)(nil)

// NewWeekday builds a calendar from YYYY-MM-DD holiday strings.
func NewWeekday(holidays []string) (*Weekday, error) {
	w := &Weekday{holidays: make(map[time.Time]struct{}, len(holidays))}
	for _, h := range holidays {
		d, err := models.ParseDate(h)
		if err != nil {
			return nil, fmt.Errorf("parse holiday %q: %w", h, err)
		}
		w.holidays[d] = struct{}{}
	}
	return w, nil
}

func (w *Weekday) IsTradingDay(d time.Time) bool {
	d = models.DateOnly(d)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := w.holidays[d]
	return !holiday
}

// PreviousTradingDay returns the last trading day strictly before d.
func (w *Weekday) PreviousTradingDay(d time.Time) time.Time {
	d = models.DateOnly(d).AddDate(0, 0, -1)
	for !w.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// TradingDaysBetween counts trading days in [from, to].
func (w *Weekday) TradingDaysBetween(from, to time.Time) int {
	from, to = models.DateOnly(from), models.DateOnly(to)
	n := 0
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if w.IsTradingDay(d) {
			n++
		}
	}
	return n
}
