package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ingest-scheduler/internal/heartbeat"
	"ingest-scheduler/internal/ledger"
	"ingest-scheduler/internal/models"
	"ingest-scheduler/internal/telemetry"
)

// Server exposes job health and run history over HTTP. It is read-only.
type Server struct {
	ledger         *ledger.Ledger
	monitor        *heartbeat.Monitor
	jobs           []string
	staleThreshold time.Duration
}

// New constructs the API server. jobs is the set reported by /health/jobs.
func New(l *ledger.Ledger, m *heartbeat.Monitor, jobs []string, staleThreshold time.Duration) *Server {
	if staleThreshold <= 0 {
		staleThreshold = heartbeat.DefaultStaleThreshold
	}
	return &Server{ledger: l, monitor: m, jobs: jobs, staleThreshold: staleThreshold}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/health/jobs", s.handleJobHealth)
	r.Route("/jobs/{name}/runs", func(r chi.Router) {
		r.Get("/latest", s.handleLatestRun)
		r.Get("/failed", s.handleFailedRuns)
		r.Get("/{date}", s.handleRunForDate)
	})
	return r
}

// handleJobHealth answers 503 when any tracked job is unhealthy so that
// external probes can alert on the status code alone.
func (s *Server) handleJobHealth(w http.ResponseWriter, r *http.Request) {
	threshold := s.staleThreshold
	if v := r.URL.Query().Get("stale_hours"); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil || hours <= 0 {
			http.Error(w, "stale_hours must be a positive number", http.StatusBadRequest)
			return
		}
		threshold = time.Duration(hours * float64(time.Hour))
	}
	jobs := s.jobs
	if only := r.URL.Query().Get("job"); only != "" {
		jobs = []string{only}
	}
	report := s.monitor.CheckAll(r.Context(), jobs, threshold)
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	status, ok := statusParam(w, r)
	if !ok {
		return
	}
	run, found, err := s.ledger.LatestRun(r.Context(), name, status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "no run recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleFailedRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.ledger.FailedRuns(r.Context(), name, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.JobRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_name": name, "runs": runs})
}

func (s *Server) handleRunForDate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	date, err := models.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	status, ok := statusParam(w, r)
	if !ok {
		return
	}
	exists, err := s.ledger.HasRunForDate(r.Context(), name, date, status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_name":    name,
		"target_date": date.Format(models.DateLayout),
		"executed":    exists,
	})
}

func statusParam(w http.ResponseWriter, r *http.Request) (*models.Status, bool) {
	v := r.URL.Query().Get("status")
	if v == "" {
		return nil, true
	}
	st := models.Status(v)
	if !st.Valid() {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return nil, false
	}
	return &st, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
