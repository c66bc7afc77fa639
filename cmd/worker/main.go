package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"ingest-scheduler/internal/archive"
	"ingest-scheduler/internal/calendar"
	"ingest-scheduler/internal/config"
	"ingest-scheduler/internal/heartbeat"
	"ingest-scheduler/internal/jobs"
	"ingest-scheduler/internal/ledger"
	"ingest-scheduler/internal/lock"
	"ingest-scheduler/internal/notify"
	"ingest-scheduler/internal/ratelimit"
	"ingest-scheduler/internal/retry"
	"ingest-scheduler/internal/store"
	"ingest-scheduler/internal/telemetry"
	"ingest-scheduler/internal/upstream"
)

// task is one schedulable unit of work.
type task func(ctx context.Context) error

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		fatal("connect postgres", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		fatal("migrations", err)
	}

	tasks, err := buildTasks(ctx, cfg, st)
	if err != nil {
		fatal("wire jobs", err)
	}

	if cfg.RunOnce != "" {
		os.Exit(runOnce(ctx, tasks, cfg.RunOnce))
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	c, err := schedule(ctx, cfg, tasks)
	if err != nil {
		fatal("schedule jobs", err)
	}
	c.Start()
	slog.Info("worker started", "ingest", cfg.IngestSchedule, "archive", cfg.ArchiveSchedule, "lock_cleanup", cfg.LockCleanupSchedule)

	<-ctx.Done()
	slog.Info("shutting down, waiting for running jobs")
	<-c.Stop().Done()
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func buildTasks(ctx context.Context, cfg config.Config, st *store.Store) (map[string]task, error) {
	logger := slog.Default()

	lockStore, err := newLockStore(ctx, cfg, st)
	if err != nil {
		return nil, err
	}
	locker := lock.New(lockStore, lock.WithLogger(logger))
	runs := ledger.New(st, ledger.WithLogger(logger))
	monitor := heartbeat.New(st, heartbeat.WithLogger(logger))

	exec := retry.NewExecutor(retry.Options{
		MaxRetries: cfg.RetryMax,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Jitter:     cfg.RetryJitter,
		OnRetry: func(int, error, time.Duration) {
			telemetry.UpstreamRetries.Inc()
		},
	}, retry.WithLogger(logger))

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL, 10*time.Second,
			retry.NewExecutor(retry.Options{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second}, retry.WithLogger(logger))))
	}
	notifier := notify.NewSafe(notifiers, logger)

	cal, err := calendar.NewWeekday(cfg.Holidays)
	if err != nil {
		return nil, fmt.Errorf("holidays: %w", err)
	}
	client := upstream.New(upstream.Config{
		BaseURL: cfg.UpstreamBaseURL,
		Token:   cfg.UpstreamToken,
		Timeout: cfg.UpstreamTimeout,
	}, ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitMinInterval), exec, logger)

	runner := jobs.NewRunner(locker, runs, monitor, notifier, jobs.WithLogger(logger), jobs.WithLockTTL(cfg.LockTTL))
	runner.Register(jobs.NewIngestJob(jobs.IngestConfig{
		JobName:   cfg.IngestJobName,
		Datasets:  cfg.IngestDatasets,
		PageLimit: cfg.IngestPageLimit,
	}, client, st, cal, logger))

	src, err := st.ArchiveSource(cfg.ArchiveTable, cfg.ArchiveDateColumn, cfg.ArchiveKeyColumns)
	if err != nil {
		return nil, fmt.Errorf("archive source: %w", err)
	}
	cold, err := archive.NewStorage(ctx, archive.StorageConfig{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
		LocalDir:  cfg.ArchiveLocalDir,
	})
	if err != nil {
		return nil, fmt.Errorf("cold storage: %w", err)
	}
	coordinator := archive.New(archive.Config{
		ThresholdMB:      cfg.ArchiveThresholdMB,
		WindowDays:       cfg.ArchiveWindowDays,
		MinRemainingDays: cfg.ArchiveMinRemainingDays,
		PageSize:         cfg.ArchivePageSize,
	}, src, cold, runs, monitor, notifier, logger)

	tasks := map[string]task{
		archive.JobName: func(ctx context.Context) error {
			_, err := coordinator.Run(ctx)
			return err
		},
		jobs.LockCleanupName: func(ctx context.Context) error {
			_, err := jobs.CleanupLocks(ctx, locker, logger)
			return err
		},
	}
	for _, name := range runner.Names() {
		tasks[name] = func(ctx context.Context) error {
			_, err := runner.ExecuteByName(ctx, name)
			return err
		}
	}
	return tasks, nil
}

func newLockStore(ctx context.Context, cfg config.Config, st *store.Store) (lock.Store, error) {
	switch cfg.LockBackend {
	case "", "postgres":
		return st, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return lock.NewRedisStore(client, "", 0), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
}

// runOnce executes a single task and returns the process exit code.
func runOnce(ctx context.Context, tasks map[string]task, name string) int {
	t, ok := tasks[name]
	if !ok {
		slog.Error("unknown job", "job", name)
		return 2
	}
	if err := t(ctx); err != nil {
		slog.Error("job failed", "job", name, "error", err)
		return 1
	}
	return 0
}

func schedule(ctx context.Context, cfg config.Config, tasks map[string]task) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))

	schedules := map[string]string{
		cfg.IngestJobName:    cfg.IngestSchedule,
		archive.JobName:      cfg.ArchiveSchedule,
		jobs.LockCleanupName: cfg.LockCleanupSchedule,
	}
	for name, expr := range schedules {
		t, ok := tasks[name]
		if !ok {
			return nil, fmt.Errorf("no task registered for %s", name)
		}
		if expr == "" || expr == "off" {
			slog.Info("job not scheduled", "job", name)
			continue
		}
		if _, err := c.AddFunc(expr, func() {
			if err := t(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("scheduled job failed", "job", name, "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, expr, err)
		}
	}
	return c, nil
}
