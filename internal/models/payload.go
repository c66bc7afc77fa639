package models

import "time"

// RawPage is one page of an upstream response stored verbatim, keyed by
// (dataset, target_date, page).
type RawPage struct {
	Dataset    string    `json:"dataset"`
	TargetDate time.Time `json:"target_date"`
	Page       int       `json:"page"`
	RunID      string    `json:"run_id"`
	Body       []byte    `json:"-"`
	Records    int64     `json:"records"`
	FetchedAt  time.Time `json:"fetched_at"`
}
