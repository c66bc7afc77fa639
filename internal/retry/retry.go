package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Options configures the retry policy.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration
	// RetryStatusCodes lists status codes worth retrying. Empty means 429 and any 5xx.
	RetryStatusCodes []int
	// OnRetry observes each scheduled retry before the delay is slept.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultOptions mirrors the production upstream policy.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Jitter:     250 * time.Millisecond,
	}
}

// Executor runs operations under a retry policy.
type Executor struct {
	opts   Options
	sleep  func(context.Context, time.Duration) error
	jitter func(n int64) int64
	logger *slog.Logger
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithSleep swaps the delay implementation, used by tests to record delays.
func WithSleep(sleep func(context.Context, time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// WithJitterSource swaps the random source; it must return a value in [0, n).
func WithJitterSource(fn func(n int64) int64) ExecutorOption {
	return func(e *Executor) { e.jitter = fn }
}

// WithLogger sets the logger used for retry events.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor constructs an Executor.
func NewExecutor(opts Options, extra ...ExecutorOption) *Executor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	e := &Executor{
		opts:   opts,
		sleep:  sleepCtx,
		jitter: rand.Int63n,
		logger: slog.Default(),
	}
	for _, o := range extra {
		o(e)
	}
	return e
}

// Options returns the executor's policy.
func (e *Executor) Options() Options { return e.opts }

// Do runs op until it succeeds, fails with a non-retryable error, or exhausts
// the retry budget. At most 1+MaxRetries invocations happen; the last error is returned.
func Do[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= e.opts.MaxRetries || !e.ShouldRetry(ctx, err) {
			return zero, err
		}
		delay := e.Delay(attempt)
		if e.opts.OnRetry != nil {
			e.opts.OnRetry(attempt+1, err, delay)
		}
		e.logger.Debug("retrying operation", "attempt", attempt+1, "delay", delay, "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			return zero, err
		}
	}
}

// Run is Do for operations without a result value.
func (e *Executor) Run(ctx context.Context, op func(context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// ShouldRetry classifies err under the executor's policy.
func (e *Executor) ShouldRetry(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	code := statusOf(err)
	if code == 0 {
		// Bare network-level failure.
		return true
	}
	return e.retryStatus(code)
}

func (e *Executor) retryStatus(code int) bool {
	if len(e.opts.RetryStatusCodes) == 0 {
		return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
	}
	for _, c := range e.opts.RetryStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Delay computes min(MaxDelay, BaseDelay*2^attempt) + uniform[0, Jitter].
// attempt counts from 0 on the first retry.
func (e *Executor) Delay(attempt int) time.Duration {
	exp := float64(e.opts.BaseDelay) * math.Pow(2, float64(attempt))
	wait := time.Duration(exp)
	if exp > float64(math.MaxInt64) {
		wait = time.Duration(math.MaxInt64)
	}
	if e.opts.MaxDelay > 0 && wait > e.opts.MaxDelay {
		wait = e.opts.MaxDelay
	}
	if e.opts.Jitter > 0 {
		wait += time.Duration(e.jitter(int64(e.opts.Jitter) + 1))
	}
	return wait
}

// DoHTTP applies the policy to a request/response exchange. build is called per
// attempt so bodies can be replayed. Non-2xx responses become a StatusError
// before classification; on success the caller owns the response body.
func (e *Executor) DoHTTP(ctx context.Context, client *http.Client, build func(context.Context) (*http.Request, error)) (*http.Response, error) {
	return Do(ctx, e, func(ctx context.Context) (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return resp, nil
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
