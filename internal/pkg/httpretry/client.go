// Package httpretry provides an HTTP client with automatic retry logic and
// exponential backoff for resilient external API calls.
package httpretry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ignite/capi-uploader/internal/pkg/logger"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes a RetryClient.
type Option func(*RetryClient)

// WithBaseDelay sets the delay before the first retry. Each further retry
// doubles it.
func WithBaseDelay(d time.Duration) Option {
	return func(rc *RetryClient) {
		if d > 0 {
			rc.baseDelay = d
		}
	}
}

// WithMaxDelay caps a single backoff wait.
func WithMaxDelay(d time.Duration) Option {
	return func(rc *RetryClient) {
		if d > 0 {
			rc.maxDelay = d
		}
	}
}

// WithSleep replaces the wait between attempts. Tests use it to record
// delays without sleeping.
func WithSleep(fn SleepFunc) Option {
	return func(rc *RetryClient) {
		if fn != nil {
			rc.sleep = fn
		}
	}
}

// RetryClient wraps an HTTPDoer with retry logic using exponential backoff.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      SleepFunc
}

// NewRetryClient creates a new RetryClient that wraps the given HTTPDoer.
// If client is nil, a default http.Client with 30s timeout is used.
// maxRetries is the number of retry attempts after the initial request;
// a negative value selects the default of 3.
func NewRetryClient(client HTTPDoer, maxRetries int, opts ...Option) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	rc := &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   30 * time.Second,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// MaxRetries reports how many retries follow the first attempt.
func (rc *RetryClient) MaxRetries() int { return rc.maxRetries }

// Do executes the HTTP request with retry logic.
// It retries on 429, any 5xx status and transport errors. It does NOT retry
// other client errors or context cancellation.
// On the final attempt, it returns the response as-is so the caller
// can inspect the status code and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		// Backoff before retry (skip on first attempt)
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: failed to reset request body: %w", err)
				}
				req.Body = body
			}

			delay := rc.Delay(attempt)
			logger.Info("httpretry: retrying request",
				"attempt", attempt, "max_retries", rc.maxRetries,
				"host", req.URL.Host, "path", req.URL.Path, "wait", delay.String(),
				"cause", logCause(lastErr))

			if err := rc.sleep(req.Context(), delay); err != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			// If the context was canceled/expired, don't retry
			if req.Context().Err() != nil {
				return nil, err
			}
			// Network/connection/timeout error, retry
			continue
		}

		if !IsRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		// If this is the last attempt, return the response as-is
		// so the caller can read the body and handle the error
		if attempt == rc.maxRetries {
			return resp, nil
		}

		// Retryable status code: drain body for connection reuse, then retry
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// Delay returns the backoff duration before the given retry attempt
// (1-based): baseDelay * 2^(attempt-1), capped at maxDelay.
func (rc *RetryClient) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := rc.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= rc.maxDelay {
			return rc.maxDelay
		}
	}
	if delay > rc.maxDelay {
		return rc.maxDelay
	}
	return delay
}

// IsRetryableStatus returns true if the HTTP status code indicates a
// transient condition: 429 (Too Many Requests) or any 5xx.
func IsRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= 500 && statusCode <= 599)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logCause drops the request URL from transport errors; query strings may
// carry credentials.
func logCause(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
