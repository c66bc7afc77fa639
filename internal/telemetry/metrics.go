package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobRuns            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_runs_total", Help: "Job executions by outcome"}, []string{"job", "action"})
	LockAcquisitions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_lock_acquire_total", Help: "Lock acquire attempts by result"}, []string{"result"})
	LedgerWriteErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_ledger_write_errors_total", Help: "Best-effort ledger and heartbeat writes that failed"})
	UpstreamRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "upstream_retries_total", Help: "Retries scheduled against upstream APIs"})
	ThrottleWait       = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "upstream_throttle_wait_seconds", Help: "Time spent waiting on the request throttle", Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30}})
	ArchiveRows        = prometheus.NewCounter(prometheus.CounterOpts{Name: "archive_rows_archived_total", Help: "Rows exported to cold storage and deleted"})
	ArchiveBytesSaved  = prometheus.NewCounter(prometheus.CounterOpts{Name: "archive_bytes_saved_total", Help: "Primary store bytes reclaimed by archival"})
	NotificationErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_failed_total", Help: "Notifications that could not be delivered"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobRuns,
			LockAcquisitions,
			LedgerWriteErrors,
			UpstreamRetries,
			ThrottleWait,
			ArchiveRows,
			ArchiveBytesSaved,
			NotificationErrors,
		)
	})
	return promhttp.Handler()
}
