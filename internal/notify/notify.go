// Package notify delivers best-effort job outcome notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ingest-scheduler/internal/models"
	"ingest-scheduler/internal/retry"
	"ingest-scheduler/internal/telemetry"
)

// Event describes a job outcome.
type Event struct {
	JobName  string        `json:"job_name"`
	RunID    string        `json:"run_id,omitempty"`
	Status   models.Status `json:"status"`
	Summary  string        `json:"summary"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Meta     models.Meta   `json:"meta,omitempty"`
}

// Notifier is the outbound notification port.
type Notifier interface {
	NotifySuccess(ctx context.Context, ev Event) error
	NotifyFailure(ctx context.Context, ev Event) error
}

// Safe wraps a Notifier so that delivery failures are logged and never returned.
type Safe struct {
	next   Notifier
	logger *slog.Logger
}

func NewSafe(next Notifier, logger *slog.Logger) *Safe {
	if next == nil {
		next = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Safe{next: next, logger: logger}
}

func (s *Safe) Success(ctx context.Context, ev Event) {
	s.deliver(ctx, ev, s.next.NotifySuccess)
}

func (s *Safe) Failure(ctx context.Context, ev Event) {
	s.deliver(ctx, ev, s.next.NotifyFailure)
}

func (s *Safe) deliver(ctx context.Context, ev Event, fn func(context.Context, Event) error) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.NotificationErrors.Inc()
			s.logger.Error("notifier panicked", "job", ev.JobName, "panic", r)
		}
	}()
	if err := fn(ctx, ev); err != nil {
		telemetry.NotificationErrors.Inc()
		s.logger.Warn("notification failed", "job", ev.JobName, "status", ev.Status, "error", err)
	}
}

// Nop discards notifications.
type Nop struct{}

func (Nop) NotifySuccess(context.Context, Event) error { return nil }
func (Nop) NotifyFailure(context.Context, Event) error { return nil }

// Log writes notifications to a logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) NotifySuccess(_ context.Context, ev Event) error {
	l.logger().Info("job succeeded", "job", ev.JobName, "run_id", ev.RunID, "summary", ev.Summary, "duration", ev.Duration)
	return nil
}

func (l Log) NotifyFailure(_ context.Context, ev Event) error {
	l.logger().Error("job failed", "job", ev.JobName, "run_id", ev.RunID, "error", ev.Error)
	return nil
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Webhook posts events as JSON to a URL.
type Webhook struct {
	url    string
	client *http.Client
	retry  *retry.Executor
}

// NewWebhook builds a webhook notifier. A nil executor sends each event once.
func NewWebhook(url string, timeout time.Duration, exec *retry.Executor) *Webhook {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if exec == nil {
		exec = retry.NewExecutor(retry.Options{})
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}, retry: exec}
}

type webhookPayload struct {
	Kind string `json:"kind"`
	Event
}

func (w *Webhook) NotifySuccess(ctx context.Context, ev Event) error {
	return w.post(ctx, webhookPayload{Kind: "success", Event: ev})
}

func (w *Webhook) NotifyFailure(ctx context.Context, ev Event) error {
	return w.post(ctx, webhookPayload{Kind: "failure", Event: ev})
}

func (w *Webhook) post(ctx context.Context, p webhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	resp, err := w.retry.DoHTTP(ctx, w.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	return resp.Body.Close()
}

// Multi fans a notification out to several notifiers, joining their errors.
type Multi []Notifier

func (m Multi) NotifySuccess(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifySuccess(ctx, ev))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyFailure(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyFailure(ctx, ev))
	}
	return errors.Join(errs...)
}
