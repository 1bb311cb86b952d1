package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"message-aggregator/internal/domain"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	maxErrorBody       = 4096
	maxResponseBody    = 1 << 20

	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// MaxRetryDelay bounds one backoff sleep between attempts: the capped
// interval plus its 50% jitter.
const MaxRetryDelay = retryMaxInterval + retryMaxInterval/2

// HTTPStatusError means the endpoint was reachable but answered non-2xx.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("webhook: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// UnreachableError means no HTTP response was obtained: DNS, connect,
// TLS, or the per-attempt timeout.
type UnreachableError struct {
	URL string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("webhook: %s unreachable: %v", e.URL, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// Result describes one Deliver call, successful or not.
type Result struct {
	Success    bool
	StatusCode int
	Body       string
	Attempts   int
}

// Client posts aggregated batches to chatbot webhooks.
type Client struct {
	httpClient  *http.Client
	timeout     time.Duration
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	secret      string
	now         func() time.Time
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout bounds each attempt, not the whole retry sequence.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = uint(n)
		}
	}
}

func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		if newBackOff != nil {
			c.newBackOff = newBackOff
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		timeout:     defaultTimeout,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = retryInitialInterval
			b.MaxInterval = retryMaxInterval
			b.RandomizationFactor = 0.5
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// Deliver POSTs the batch as JSON. Transport failures, 429 and 5xx are retried
// with exponential backoff up to the configured attempt count; any other
// non-2xx answer stops immediately.
func (c *Client) Deliver(ctx context.Context, url string, batch domain.AggregatedBatch) (Result, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return Result{}, errors.New("webhook: url must not be empty")
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return Result{}, fmt.Errorf("webhook: marshal batch: %w", err)
	}

	var res Result
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		res.Attempts++
		status, respBody, err := c.post(ctx, url, body)
		res.StatusCode = status
		res.Body = respBody
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxAttempts),
	)
	if err != nil {
		return res, err
	}
	res.Success = true
	return res, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		ts := c.now().Unix()
		req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
		req.Header.Set(SignatureHeader, Sign(c.secret, ts, body))
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", &UnreachableError{URL: url, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return res.StatusCode, string(buf), &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	// A 2xx already means the batch was accepted; a failed body read only
	// truncates the acknowledgement.
	buf, _ := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	return res.StatusCode, string(buf), nil
}

func retryable(err error) bool {
	var unreachable *UnreachableError
	if errors.As(err, &unreachable) {
		return true
	}
	var status *HTTPStatusError
	if errors.As(err, &status) {
		return status.StatusCode == http.StatusTooManyRequests || status.StatusCode >= 500
	}
	return false
}
