// Package jobs drives scheduled work through the lock, ledger, heartbeat and
// notification contracts.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ingest-scheduler/internal/heartbeat"
	"ingest-scheduler/internal/ledger"
	"ingest-scheduler/internal/lock"
	"ingest-scheduler/internal/models"
	"ingest-scheduler/internal/notify"
	"ingest-scheduler/internal/telemetry"
)

// Action discriminates how an execution ended.
type Action string

const (
	ActionExecuted               Action = "executed"
	ActionSkippedLocked          Action = "skipped_locked"
	ActionSkippedAlreadyExecuted Action = "skipped_already_executed"
	ActionFailed                 Action = "failed"
)

// Result reports one execution. Skips are successful outcomes.
type Result struct {
	Action     Action      `json:"action"`
	JobName    string      `json:"job_name"`
	RunID      string      `json:"run_id,omitempty"`
	TargetDate *time.Time  `json:"target_date,omitempty"`
	Meta       models.Meta `json:"meta,omitempty"`
}

// Run is what a Job sees of the execution it is part of.
type Run struct {
	ID         string
	JobName    string
	TargetDate *time.Time
	Ledger     *ledger.Ledger
}

// Job is a unit of locked, ledgered work.
type Job interface {
	Name() string
	// TargetDate returns the date the run is bound to, or nil for undated jobs.
	TargetDate(now time.Time) *time.Time
	// Run performs the work. The returned meta is merged into the run row.
	Run(ctx context.Context, run Run) (models.Meta, error)
}

// Func adapts a function into an undated Job, or a dated one when Date is set.
type Func struct {
	JobName string
	Date    func(now time.Time) *time.Time
	Fn      func(ctx context.Context, run Run) (models.Meta, error)
}

func (f Func) Name() string { return f.JobName }

func (f Func) TargetDate(now time.Time) *time.Time {
	if f.Date == nil {
		return nil
	}
	return f.Date(now)
}

func (f Func) Run(ctx context.Context, run Run) (models.Meta, error) { return f.Fn(ctx, run) }

// Runner executes registered jobs.
type Runner struct {
	locker   *lock.Locker
	ledger   *ledger.Ledger
	monitor  *heartbeat.Monitor
	notifier *notify.Safe
	lockTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	jobs     map[string]Job
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func WithLogger(logger *slog.Logger) Option { return func(r *Runner) { r.logger = logger } }

func WithLockTTL(ttl time.Duration) Option { return func(r *Runner) { r.lockTTL = ttl } }

func NewRunner(locker *lock.Locker, l *ledger.Ledger, m *heartbeat.Monitor, n *notify.Safe, opts ...Option) *Runner {
	r := &Runner{
		locker:   locker,
		ledger:   l,
		monitor:  m,
		notifier: n,
		lockTTL:  10 * time.Minute,
		logger:   slog.Default(),
		now:      time.Now,
		jobs:     make(map[string]Job),
	}
	for _, o := range opts {
		o(r)
	}
	if r.notifier == nil {
		r.notifier = notify.NewSafe(nil, r.logger)
	}
	return r
}

// Register binds a job to its name.
func (r *Runner) Register(job Job) {
	if job == nil || job.Name() == "" {
		return
	}
	r.jobs[job.Name()] = job
}

// Names lists the registered jobs.
func (r *Runner) Names() []string {
	out := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ExecuteByName runs the registered job called name.
func (r *Runner) ExecuteByName(ctx context.Context, name string) (Result, error) {
	job, ok := r.jobs[name]
	if !ok {
		return Result{Action: ActionFailed, JobName: name}, fmt.Errorf("no job registered as %q", name)
	}
	return r.Execute(ctx, job)
}

// Execute runs job under its lock. Lock contention and an already executed
// target date are returned as skips with a nil error. Only a failed lock read
// or a failed StartRun abort before the job's work; every later ledger,
// heartbeat or notification failure is logged and does not change the outcome.
func (r *Runner) Execute(ctx context.Context, job Job) (Result, error) {
	name := job.Name()
	log := r.logger.With("job", name)
	res := Result{JobName: name, TargetDate: job.TargetDate(r.now())}

	grant, err := r.locker.Acquire(ctx, name, r.lockTTL)
	if err != nil {
		res.Action = ActionFailed
		r.count(res)
		return res, err
	}
	if !grant.Granted {
		log.Info("job skipped: lock contention", "reason", grant.Err)
		res.Action = ActionSkippedLocked
		r.count(res)
		return res, nil
	}
	defer r.locker.Release(context.WithoutCancel(ctx), name, grant.Token)

	start := r.now()
	runID, err := r.ledger.StartRun(ctx, name, res.TargetDate, models.Meta{"lock_until": grant.LockedUntil.Format(time.RFC3339)})
	if errors.Is(err, ledger.ErrAlreadyExecuted) {
		log.Info("job skipped: already executed for target date", "target_date", formatDate(res.TargetDate))
		res.Action = ActionSkippedAlreadyExecuted
		r.count(res)
		return res, nil
	}
	if err != nil {
		res.Action = ActionFailed
		r.count(res)
		return res, err
	}
	res.RunID = runID
	log = log.With("run_id", runID)
	r.beat(ctx, log, name, models.StatusRunning, heartbeat.UpdateOptions{RunID: runID, TargetDate: res.TargetDate})

	meta, workErr := r.work(ctx, job, Run{ID: runID, JobName: name, TargetDate: res.TargetDate, Ledger: r.ledger})
	res.Meta = models.Meta{"duration_ms": r.now().Sub(start).Milliseconds()}.Merge(meta)

	status, errMsg := models.StatusSuccess, ""
	if workErr != nil {
		status, errMsg = models.StatusFailed, workErr.Error()
	}
	if err := r.ledger.CompleteRun(ctx, runID, status, errMsg, res.Meta); err != nil {
		telemetry.LedgerWriteErrors.Inc()
		log.Error("complete run failed", "error", err)
	}
	r.beat(ctx, log, name, status, heartbeat.UpdateOptions{RunID: runID, TargetDate: res.TargetDate, Error: errMsg, Meta: res.Meta})

	ev := notify.Event{JobName: name, RunID: runID, Status: status, Duration: r.now().Sub(start), Meta: res.Meta}
	if workErr != nil {
		ev.Summary, ev.Error = "job failed", errMsg
		r.notifier.Failure(ctx, ev)
		res.Action = ActionFailed
		r.count(res)
		log.Error("job failed", "error", workErr)
		return res, workErr
	}
	ev.Summary = "job succeeded"
	r.notifier.Success(ctx, ev)
	res.Action = ActionExecuted
	r.count(res)
	log.Info("job finished", "duration", ev.Duration)
	return res, nil
}

// work runs the job, converting a panic into an error so the run is still
// recorded as failed and the lock still released.
func (r *Runner) work(ctx context.Context, job Job, run Run) (meta models.Meta, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", run.JobName, p)
		}
	}()
	return job.Run(ctx, run)
}

func (r *Runner) beat(ctx context.Context, log *slog.Logger, name string, status models.Status, opts heartbeat.UpdateOptions) {
	if r.monitor == nil {
		return
	}
	if err := r.monitor.Update(ctx, name, status, opts); err != nil {
		telemetry.LedgerWriteErrors.Inc()
		log.Warn("heartbeat update failed", "status", status, "error", err)
	}
}

func (r *Runner) count(res Result) {
	telemetry.JobRuns.WithLabelValues(res.JobName, string(res.Action)).Inc()
}

func formatDate(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format(models.DateLayout)
}
