package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-scheduler/internal/ratelimit"
	"ingest-scheduler/internal/retry"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	limiter := ratelimit.New(6000, 0)
	exec := retry.NewExecutor(retry.Options{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	return New(Config{BaseURL: url, Token: "secret", Timeout: 2 * time.Second}, limiter, exec, nil)
}

func TestRequestSendsParamsAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prices", r.URL.Path)
		assert.Equal(t, "2024-01-15", r.URL.Query().Get("date"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[1,2,3]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/")
	resp, err := c.Request(context.Background(), "/prices", url.Values{"date": {"2024-01-15"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"data":[1,2,3]}`, string(resp.Body))
}

func TestRequestRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Request(context.Background(), "prices", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Request(context.Background(), "prices", nil)
	var se *retry.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestPaginateFollowsContinuationToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page_token") {
		case "":
			fmt.Fprint(w, `{"rows":[1],"next_token":"p2"}`)
		case "p2":
			fmt.Fprint(w, `{"rows":[2],"next_token":"p3"}`)
		default:
			fmt.Fprint(w, `{"rows":[3],"next_token":null}`)
		}
	}))
	defer srv.Close()

	var bodies []string
	pages, err := newTestClient(t, srv.URL).Paginate(context.Background(), "prices", url.Values{"date": {"2024-01-15"}}, PageOptions{}, func(p Page) error {
		bodies = append(bodies, string(p.Body))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	assert.Len(t, bodies, 3)
}

func TestPaginateStopsAtMaxPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"cursor":"%s-next"}`, r.URL.Query().Get("cursor"))
	}))
	defer srv.Close()

	opts := PageOptions{TokenParam: "cursor", NextToken: JSONNextToken("cursor"), MaxPages: 2}
	pages, err := newTestClient(t, srv.URL).Paginate(context.Background(), "prices", nil, opts, func(Page) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, pages)
}

func TestPaginateRejectsRepeatedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"next_token":"same"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Paginate(context.Background(), "prices", nil, PageOptions{}, func(Page) error { return nil })
	assert.ErrorContains(t, err, "repeated continuation token")
}

func TestPaginatePropagatesCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"next_token":"x"}`)
	}))
	defer srv.Close()

	sinkErr := errors.New("sink full")
	pages, err := newTestClient(t, srv.URL).Paginate(context.Background(), "prices", nil, PageOptions{}, func(Page) error { return sinkErr })
	assert.ErrorIs(t, err, sinkErr)
	assert.Equal(t, 1, pages)
}

func TestPaginateArrayBodyIsSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"symbol":"AAA"},{"symbol":"BBB"}]`)
	}))
	defer srv.Close()

	pages, err := newTestClient(t, srv.URL).Paginate(context.Background(), "prices", nil, PageOptions{}, func(Page) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
}
