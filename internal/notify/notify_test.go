package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-scheduler/internal/models"
	"ingest-scheduler/internal/retry"
)

type failing struct{}

func (failing) NotifySuccess(context.Context, Event) error { return errors.New("smtp down") }
func (failing) NotifyFailure(context.Context, Event) error { panic("template exploded") }

func TestSafeSwallowsErrorsAndPanics(t *testing.T) {
	s := NewSafe(failing{}, nil)
	assert.NotPanics(t, func() {
		s.Success(context.Background(), Event{JobName: "cron_a"})
		s.Failure(context.Background(), Event{JobName: "cron_a"})
	})
}

func TestWebhookPostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, time.Second, nil)
	err := w.NotifyFailure(context.Background(), Event{JobName: "archive", RunID: "r1", Status: models.StatusFailed, Error: "row count mismatch"})
	require.NoError(t, err)
	assert.Equal(t, "failure", got["kind"])
	assert.Equal(t, "archive", got["job_name"])
	assert.Equal(t, "row count mismatch", got["error"])
}

func TestWebhookReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var hits int32
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv2.Close()

	err := NewWebhook(srv.URL, time.Second, nil).NotifySuccess(context.Background(), Event{JobName: "x"})
	assert.Error(t, err)

	exec := retry.NewExecutor(retry.Options{MaxRetries: 1, BaseDelay: time.Millisecond})
	err = NewWebhook(srv2.URL, time.Second, exec).NotifySuccess(context.Background(), Event{JobName: "x"})
	assert.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestMultiJoinsErrors(t *testing.T) {
	m := Multi{Nop{}, Log{}}
	assert.NoError(t, m.NotifySuccess(context.Background(), Event{JobName: "x"}))

	m = Multi{Nop{}, failing{}}
	assert.Error(t, m.NotifySuccess(context.Background(), Event{JobName: "x"}))
}
