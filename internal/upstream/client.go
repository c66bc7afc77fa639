// Package upstream is the throttled, retrying HTTP client used to pull from
// external data APIs.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ingest-scheduler/internal/ratelimit"
	"ingest-scheduler/internal/retry"
	"ingest-scheduler/internal/telemetry"
)

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues GET requests through a rate limiter and retry executor.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	retry      *retry.Executor
	logger     *slog.Logger
	maxBody    int64
}

// Config collects client settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	MaxBody int64
}

// New builds a Client. The limiter and executor are shared by every call the
// client makes.
func New(cfg Config, limiter *ratelimit.Limiter, exec *retry.Executor, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBody := cfg.MaxBody
	if maxBody == 0 {
		maxBody = 64 * 1024 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		retry:      exec,
		logger:     logger,
		maxBody:    maxBody,
	}
}

// Request performs a GET against endpoint with the given query params.
func (c *Client) Request(ctx context.Context, endpoint string, params url.Values) (*Response, error) {
	target := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var out *Response
	err := c.retry.Run(ctx, func(ctx context.Context) error {
		waited, err := c.limiter.Acquire(ctx)
		if err != nil {
			return retry.Permanent(err)
		}
		telemetry.ThrottleWait.Observe(waited.Seconds())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request %s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
		if err != nil {
			return fmt.Errorf("read %s: %w", endpoint, err)
		}
		if int64(len(body)) > c.maxBody {
			return retry.Permanent(fmt.Errorf("response from %s too large (>%d bytes)", endpoint, c.maxBody))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &retry.StatusError{StatusCode: resp.StatusCode, Body: truncateBody(body)}
		}
		out = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Page is one page of a paginated listing.
type Page struct {
	Number int
	Body   []byte
}

// PageOptions controls continuation-token pagination.
type PageOptions struct {
	// TokenParam is the query parameter carrying the continuation token.
	TokenParam string
	// NextToken extracts the continuation token from a page body; empty ends the listing.
	NextToken func(body []byte) (string, error)
	// MaxPages bounds the listing; zero means unbounded.
	MaxPages int
}

// Paginate walks successive pages of endpoint, calling fn for each, and
// returns the number of pages fetched.
func (c *Client) Paginate(ctx context.Context, endpoint string, params url.Values, opts PageOptions, fn func(Page) error) (int, error) {
	if opts.TokenParam == "" {
		opts.TokenParam = "page_token"
	}
	if opts.NextToken == nil {
		opts.NextToken = JSONNextToken("next_token")
	}
	q := url.Values{}
	for k, v := range params {
		q[k] = append([]string(nil), v...)
	}

	pages := 0
	for {
		resp, err := c.Request(ctx, endpoint, q)
		if err != nil {
			return pages, err
		}
		pages++
		if err := fn(Page{Number: pages, Body: resp.Body}); err != nil {
			return pages, err
		}
		next, err := opts.NextToken(resp.Body)
		if err != nil {
			return pages, retry.Permanent(fmt.Errorf("decode continuation token: %w", err))
		}
		if next == "" || (opts.MaxPages > 0 && pages >= opts.MaxPages) {
			return pages, nil
		}
		if next == q.Get(opts.TokenParam) {
			return pages, fmt.Errorf("upstream %s repeated continuation token %q", endpoint, next)
		}
		q.Set(opts.TokenParam, next)
		c.logger.Debug("fetching next page", "endpoint", endpoint, "page", pages+1)
	}
}

// JSONNextToken reads a top-level string field from a JSON object body.
// Bodies that are not objects, such as bare arrays, end the listing.
func JSONNextToken(field string) func([]byte) (string, error) {
	return func(body []byte) (string, error) {
		if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] != '{' {
			return "", nil
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil {
			return "", err
		}
		raw, ok := doc[field]
		if !ok || string(raw) == "null" {
			return "", nil
		}
		var token string
		if err := json.Unmarshal(raw, &token); err != nil {
			return "", err
		}
		return token, nil
	}
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}
