package jobs

import (
	"context"
	"log/slog"

	"ingest-scheduler/internal/lock"
)

// LockCleanupName is the scheduler entry for expired-lock cleanup.
const LockCleanupName = "lock_cleanup"

// CleanupLocks deletes expired lock rows. It takes no lock and writes no run;
// the delete is idempotent and safe alongside any holder.
func CleanupLocks(ctx context.Context, locker *lock.Locker, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n, err := locker.CleanupExpired(ctx)
	if err != nil {
		logger.Error("lock cleanup failed", "error", err)
		return 0, err
	}
	if n > 0 {
		logger.Info("removed expired locks", "count", n)
	}
	return n, nil
}
