package retry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestExecutor(opts Options, rec *recorder) *Executor {
	return NewExecutor(opts, WithSleep(rec.sleep), WithJitterSource(func(int64) int64 { return 0 }))
}

func TestDoRetriesTransientStatusThenSucceeds(t *testing.T) {
	rec := &recorder{}
	e := newTestExecutor(Options{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute}, rec)

	calls := 0
	got, err := Do(context.Background(), e, func(context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

func TestDoBackoffSequenceMatchesPolicy(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		want     []time.Duration
	}{
		{"no failures", 0, nil},
		{"one failure", 1, []time.Duration{50 * time.Millisecond}},
		{"capped", 4, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			e := newTestExecutor(Options{MaxRetries: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 300 * time.Millisecond}, rec)
			calls := 0
			err := e.Run(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return errors.New("connection reset by peer")
				}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.failures+1, calls)
			assert.Equal(t, tt.want, rec.delays)
		})
	}
}

func TestDoNonRetryableFailsImmediately(t *testing.T) {
	rec := &recorder{}
	e := newTestExecutor(Options{MaxRetries: 3, BaseDelay: time.Millisecond}, rec)

	calls := 0
	err := e.Run(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("invalid api key"))
	})

	var nonRetryable *NonRetryableError
	assert.True(t, errors.As(err, &nonRetryable))
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDoClientErrorOutsideRetrySetFailsImmediately(t *testing.T) {
	rec := &recorder{}
	e := newTestExecutor(Options{MaxRetries: 3, BaseDelay: time.Millisecond}, rec)

	calls := 0
	err := e.Run(context.Background(), func(context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusNotFound}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsRetriesAndReturnsLastError(t *testing.T) {
	rec := &recorder{}
	e := newTestExecutor(Options{MaxRetries: 2, BaseDelay: time.Millisecond}, rec)

	calls := 0
	err := e.Run(context.Background(), func(context.Context) error {
		calls++
		return &StatusError{StatusCode: http.StatusTooManyRequests, Body: "attempt " + string(rune('0'+calls))}
	})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "attempt 3", se.Body)
	assert.Equal(t, 3, calls)
}

func TestDoCustomStatusCodes(t *testing.T) {
	rec := &recorder{}
	e := newTestExecutor(Options{MaxRetries: 2, BaseDelay: time.Millisecond, RetryStatusCodes: []int{http.StatusConflict}}, rec)

	assert.True(t, e.ShouldRetry(context.Background(), &StatusError{StatusCode: http.StatusConflict}))
	assert.False(t, e.ShouldRetry(context.Background(), &StatusError{StatusCode: http.StatusBadGateway}))
	assert.True(t, e.ShouldRetry(context.Background(), Retryable(&StatusError{StatusCode: http.StatusBadRequest})))
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(Options{MaxRetries: 5, BaseDelay: time.Hour})

	calls := 0
	err := e.Run(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("dial tcp: i/o timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOnRetryObservesEachRetry(t *testing.T) {
	rec := &recorder{}
	var attempts []int
	opts := Options{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		},
	}
	e := newTestExecutor(opts, rec)

	calls := 0
	_ = e.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusBadGateway}
		}
		return nil
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDelayJitterBound(t *testing.T) {
	e := NewExecutor(Options{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 20 * time.Millisecond})
	for i := 0; i < 50; i++ {
		d := e.Delay(1)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 220*time.Millisecond)
	}
}

func TestDoHTTPRetriesNon2xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rec := &recorder{}
	e := newTestExecutor(Options{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}, rec)

	resp, err := e.DoHTTP(context.Background(), srv.Client(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, `{"ok":true}`, string(body))
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

func TestDoHTTPBadRequestNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "missing symbol", http.StatusBadRequest)
	}))
	defer srv.Close()

	e := newTestExecutor(Options{MaxRetries: 3, BaseDelay: time.Millisecond}, &recorder{})
	_, err := e.DoHTTP(context.Background(), srv.Client(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Body, "missing symbol")
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}
