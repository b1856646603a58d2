package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNetwork marks connection-level failures (DNS, reset, timeout) after
// the retry budget is exhausted. HTTP responses, whatever the status code,
// are never wrapped in it.
var ErrNetwork = errors.New("network failure")

const (
	defaultTimeout = 30 * time.Second

	userAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) " +
		"AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Retry      RetryPolicy
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client executes requests against the metering API. It attaches headers
// and the bearer token, applies a bounded per-call timeout and retries
// idempotent calls on transient network failure. It holds no credential
// state of its own.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
	logger     *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewClient creates a transport client for the given API base URL.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("transport: BaseURL is required")
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    opts.BaseURL,
		httpClient: httpClient,
		retry:      opts.Retry,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Execute performs one API call and returns the HTTP status code and raw
// body. Idempotent calls are retried on network failure only; any HTTP
// response, including 401/403, is surfaced to the caller untouched.
func (c *Client) Execute(ctx context.Context, method, path string, body []byte, authToken string, idempotent bool) (int, []byte, error) {
	attempts := 1
	if idempotent {
		attempts = c.retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := c.retry.delay(attempt-1, c.jitterFrac())
			c.logger.Debug("retrying request",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, nil, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
			}
		}

		status, respBody, err := c.do(ctx, method, path, body, authToken)
		if err == nil {
			return status, respBody, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, lastErr)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, authToken string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", userAgent)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) jitterFrac() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}
