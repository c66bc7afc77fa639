package models

import (
	"errors"
	"time"
)

// Status enumerates lifecycle states persisted for runs, items and heartbeats.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status ends a run or item lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// Length limits applied to persisted error messages.
const (
	MaxHeartbeatErrorLen = 1000
	MaxRunErrorLen       = 10000
)

var (
	// ErrAlreadyExists is returned by stores when an insert collides with a unique key.
	ErrAlreadyExists = errors.New("row already exists")
	// ErrNotFound is returned by stores when a keyed row is absent.
	ErrNotFound = errors.New("row not found")
)

// JobLock is a table-backed mutex row keyed by job name.
type JobLock struct {
	JobName     string    `json:"job_name"`
	LockedUntil time.Time `json:"locked_until"`
	LockToken   string    `json:"lock_token"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Expired reports whether the lock is no longer valid at now.
func (l JobLock) Expired(now time.Time) bool {
	return now.After(l.LockedUntil)
}

// JobRun is one execution of a job, optionally bound to a target date.
type JobRun struct {
	RunID        string     `json:"run_id"`
	JobName      string     `json:"job_name"`
	TargetDate   *time.Time `json:"target_date,omitempty"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Meta         Meta       `json:"meta"`
}

// JobRunItem tracks a single dataset processed within a run.
type JobRunItem struct {
	RunID        string     `json:"run_id"`
	Dataset      string     `json:"dataset"`
	Status       Status     `json:"status"`
	RowCount     *int64     `json:"row_count,omitempty"`
	PageCount    *int64     `json:"page_count,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Meta         Meta       `json:"meta"`
}

// Heartbeat is the latest liveness record for a job.
type Heartbeat struct {
	JobName        string     `json:"job_name"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	LastStatus     Status     `json:"last_status"`
	LastRunID      *string    `json:"last_run_id,omitempty"`
	LastTargetDate *time.Time `json:"last_target_date,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	Meta           Meta       `json:"meta"`
}

// DateOnly truncates t to midnight UTC so target dates compare by calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateLayout is the wire format for target dates and archive paths.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD string into a UTC date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
