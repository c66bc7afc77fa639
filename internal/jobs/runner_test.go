package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-scheduler/internal/calendar"
	"ingest-scheduler/internal/heartbeat"
	"ingest-scheduler/internal/ledger"
	"ingest-scheduler/internal/lock"
	"ingest-scheduler/internal/models"
	"ingest-scheduler/internal/notify"
	"ingest-scheduler/internal/upstream"
)

var fixedNow = time.Date(2024, 1, 16, 18, 30, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	successes []notify.Event
	failures  []notify.Event
}

func (r *recorder) NotifySuccess(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, ev)
	return nil
}

func (r *recorder) NotifyFailure(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, ev)
	return errors.New("pager offline")
}

type env struct {
	locks    *lock.MemoryStore
	locker   *lock.Locker
	ledger   *ledger.Ledger
	monitor  *heartbeat.Monitor
	notified *recorder
	runner   *Runner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	now := func() time.Time { return fixedNow }
	e := &env{
		locks:    lock.NewMemoryStore(),
		ledger:   ledger.New(ledger.NewMemoryStore(), ledger.WithClock(now)),
		monitor:  heartbeat.New(heartbeat.NewMemoryStore(), heartbeat.WithClock(now)),
		notified: &recorder{},
	}
	e.locker = lock.New(e.locks, lock.WithClock(now))
	e.runner = NewRunner(e.locker, e.ledger, e.monitor, notify.NewSafe(e.notified, nil), WithClock(now))
	return e
}

func dated(d time.Time) func(time.Time) *time.Time {
	return func(time.Time) *time.Time { return &d }
}

func TestExecuteRecordsSuccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := Func{JobName: "cron_b", Date: dated(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)), Fn: func(ctx context.Context, run Run) (models.Meta, error) {
		return models.Meta{"rows": 10}, nil
	}}

	res, err := e.runner.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ActionExecuted, res.Action)
	require.NotEmpty(t, res.RunID)

	run, err := e.ledger.Run(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, run.Status)
	assert.EqualValues(t, 10, run.Meta["rows"])

	hb, err := e.monitor.Get(ctx, "cron_b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, hb.LastStatus)
	assert.Len(t, e.notified.successes, 1)

	_, err = e.locks.GetLock(ctx, "cron_b")
	assert.ErrorIs(t, err, models.ErrNotFound, "lock must be released after the run")
}

func TestExecuteSkipsAlreadyExecutedDate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	calls := 0
	job := Func{JobName: "cron_b", Date: dated(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)), Fn: func(context.Context, Run) (models.Meta, error) {
		calls++
		return nil, nil
	}}

	_, err := e.runner.Execute(ctx, job)
	require.NoError(t, err)
	res, err := e.runner.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ActionSkippedAlreadyExecuted, res.Action)
	assert.Equal(t, 1, calls)

	failed, err := e.ledger.FailedRuns(ctx, "cron_b", 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
	_, err = e.locks.GetLock(ctx, "cron_b")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExecuteSkipsWhenLocked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	g, err := e.locker.Acquire(ctx, "cron_a", time.Minute)
	require.NoError(t, err)
	require.True(t, g.Granted)

	res, err := e.runner.Execute(ctx, Func{JobName: "cron_a", Fn: func(context.Context, Run) (models.Meta, error) {
		t.Fatal("work must not run without the lock")
		return nil, nil
	}})
	require.NoError(t, err)
	assert.Equal(t, ActionSkippedLocked, res.Action)
	assert.Empty(t, res.RunID)

	held, err := e.locks.GetLock(ctx, "cron_a")
	require.NoError(t, err)
	assert.Equal(t, g.Token, held.LockToken, "skipped run must not release someone else's lock")
}

func TestExecuteRecordsFailureAndNotifies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	boom := errors.New("upstream 400: bad symbol")

	res, err := e.runner.Execute(ctx, Func{JobName: "cron_c", Fn: func(context.Context, Run) (models.Meta, error) {
		return models.Meta{"pages": 2}, boom
	}})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, ActionFailed, res.Action)

	run, err := e.ledger.Run(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, boom.Error(), *run.ErrorMessage)

	hb, err := e.monitor.Get(ctx, "cron_c")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, hb.LastStatus)
	require.Len(t, e.notified.failures, 1, "notifier errors are swallowed")
	_, err = e.locks.GetLock(ctx, "cron_c")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExecuteRecoversPanics(t *testing.T) {
	e := newEnv(t)
	res, err := e.runner.Execute(context.Background(), Func{JobName: "cron_p", Fn: func(context.Context, Run) (models.Meta, error) {
		panic("nil map")
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, ActionFailed, res.Action)
	_, err = e.locks.GetLock(context.Background(), "cron_p")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

type brokenLedger struct{ *ledger.MemoryStore }

func (brokenLedger) InsertRun(context.Context, models.JobRun) error { return errors.New("db down") }

func TestExecuteAbortsWhenStartRunFails(t *testing.T) {
	e := newEnv(t)
	e.runner.ledger = ledger.New(brokenLedger{ledger.NewMemoryStore()})
	called := false

	res, err := e.runner.Execute(context.Background(), Func{JobName: "cron_d", Fn: func(context.Context, Run) (models.Meta, error) {
		called = true
		return nil, nil
	}})
	require.Error(t, err)
	assert.Equal(t, ActionFailed, res.Action)
	assert.False(t, called)
	_, err = e.locks.GetLock(context.Background(), "cron_d")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExecuteByNameUnknown(t *testing.T) {
	e := newEnv(t)
	e.runner.Register(Func{JobName: "known", Fn: func(context.Context, Run) (models.Meta, error) { return nil, nil }})
	assert.Equal(t, []string{"known"}, e.runner.Names())

	_, err := e.runner.ExecuteByName(context.Background(), "missing")
	assert.Error(t, err)
	res, err := e.runner.ExecuteByName(context.Background(), "known")
	require.NoError(t, err)
	assert.Equal(t, ActionExecuted, res.Action)
}

type fakePager struct {
	pages map[string][][]byte
	fail  map[string]error
}

func (f *fakePager) Paginate(_ context.Context, endpoint string, params url.Values, _ upstream.PageOptions, fn func(upstream.Page) error) (int, error) {
	if params.Get("date") != "2024-01-15" {
		return 0, errors.New("unexpected date " + params.Get("date"))
	}
	n := 0
	for _, body := range f.pages[endpoint] {
		n++
		if err := fn(upstream.Page{Number: n, Body: body}); err != nil {
			return n, err
		}
	}
	if err := f.fail[endpoint]; err != nil {
		return n, err
	}
	return n, nil
}

type memSink struct {
	mu    sync.Mutex
	pages map[string]models.RawPage
}

func (s *memSink) UpsertRawPage(_ context.Context, p models.RawPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pages == nil {
		s.pages = map[string]models.RawPage{}
	}
	s.pages[fmt.Sprintf("%s/%s/%d", p.Dataset, p.TargetDate.Format(models.DateLayout), p.Page)] = p
	return nil
}

func TestIngestJobRecordsItems(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cal, err := calendar.NewWeekday(nil)
	require.NoError(t, err)
	pager := &fakePager{
		pages: map[string][][]byte{
			"/prices":  {[]byte(`{"data":[{},{}],"next_token":"a"}`), []byte(`{"data":[{}]}`)},
			"/splits":  {[]byte(`[{}]`)},
			"/options": {[]byte(`{"data":[{}]}`)},
		},
		fail: map[string]error{"/options": errors.New("upstream 503 after retries")},
	}
	sink := &memSink{}
	job := NewIngestJob(IngestConfig{JobName: "daily_ingest", Datasets: []string{"prices", "splits", "options"}, PageLimit: 100}, pager, sink, cal, nil)

	// 2024-01-16 is a Tuesday, so the target is Monday 2024-01-15.
	res, err := e.runner.Execute(ctx, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 datasets failed")
	assert.Equal(t, ActionFailed, res.Action)
	require.NotNil(t, res.TargetDate)
	assert.Equal(t, "2024-01-15", res.TargetDate.Format(models.DateLayout))

	items, err := e.ledger.Items(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	byName := map[string]models.JobRunItem{}
	for _, it := range items {
		byName[it.Dataset] = it
	}
	assert.Equal(t, models.StatusSuccess, byName["prices"].Status)
	assert.EqualValues(t, 3, *byName["prices"].RowCount)
	assert.EqualValues(t, 2, *byName["prices"].PageCount)
	assert.Equal(t, models.StatusSuccess, byName["splits"].Status)
	assert.Equal(t, models.StatusFailed, byName["options"].Status)
	require.NotNil(t, byName["options"].ErrorMessage)
	assert.Len(t, sink.pages, 4)

	run, err := e.ledger.Run(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, run.Status)
	assert.EqualValues(t, 4, run.Meta["rows"])
}

func TestCountRecords(t *testing.T) {
	assert.EqualValues(t, 2, countRecords([]byte(`[1,2]`)))
	assert.EqualValues(t, 3, countRecords([]byte(`{"results":[1,2,3]}`)))
	assert.EqualValues(t, 0, countRecords([]byte(`{"next_token":"x"}`)))
	assert.EqualValues(t, 0, countRecords([]byte(`not json`)))
}

func TestCleanupLocks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.locks.InsertLock(ctx, models.JobLock{JobName: "old", LockToken: "t", LockedUntil: fixedNow.Add(-time.Hour), UpdatedAt: fixedNow.Add(-2 * time.Hour)}))
	require.NoError(t, e.locks.InsertLock(ctx, models.JobLock{JobName: "live", LockToken: "u", LockedUntil: fixedNow.Add(time.Hour), UpdatedAt: fixedNow}))

	n, err := CleanupLocks(ctx, e.locker, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = e.locks.GetLock(ctx, "live")
	assert.NoError(t, err)
}
