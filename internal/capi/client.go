// Package capi delivers conversion events to the Meta Conversions API.
package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ignite/capi-uploader/internal/config"
	"github.com/ignite/capi-uploader/internal/pkg/httpretry"
	"github.com/ignite/capi-uploader/internal/pkg/logger"
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 64 << 10

// DeliveryError is returned when the API answers a batch with a non-2xx
// status, either immediately or after retries ran out.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("conversions API error (status %d): %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	AccessToken       string
	GraphAPIVersion   string
	BaseURL           string
	Timeout           time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	MaxBackoff        time.Duration
	RequestsPerSecond float64 // 0 disables pacing
}

// OptionsFromConfig builds client options from application configuration.
func OptionsFromConfig(meta config.MetaConfig, pipeline config.PipelineConfig) Options {
	return Options{
		AccessToken:       meta.AccessToken,
		GraphAPIVersion:   meta.GraphAPIVersion,
		BaseURL:           meta.BaseURL,
		Timeout:           meta.Timeout(),
		MaxRetries:        pipeline.MaxRetries,
		BackoffBase:       pipeline.RetryBackoffBase(),
		MaxBackoff:        pipeline.MaxBackoff(),
		RequestsPerSecond: meta.RequestsPerSecond,
	}
}

// Client is a Conversions API client. A Client is safe for use by one job
// at a time; create one per job and Close it when the job ends.
type Client struct {
	baseURL     string
	version     string
	accessToken string
	transport   *http.Client
	httpClient  httpretry.HTTPDoer
	limiter     *rate.Limiter
}

// NewClient creates a Conversions API client.
func NewClient(opts Options, retryOpts ...httpretry.Option) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Client{Timeout: timeout}

	retryOpts = append([]httpretry.Option{
		httpretry.WithBaseDelay(opts.BackoffBase),
		httpretry.WithMaxDelay(opts.MaxBackoff),
	}, retryOpts...)

	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		version:     opts.GraphAPIVersion,
		accessToken: opts.AccessToken,
		transport:   transport,
		httpClient:  httpretry.NewRetryClient(transport, opts.MaxRetries, retryOpts...),
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

// Send posts one batch to the dataset's events edge and returns the decoded
// response body. Transient failures are retried; the returned error is a
// *DeliveryError for an HTTP failure or the transport error otherwise.
func (c *Client) Send(ctx context.Context, datasetID string, batch Batch, uploadTag string) (map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	payload, err := json.Marshal(eventsRequest{Data: batch, UploadTag: uploadTag})
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eventsURL(datasetID), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending batch to dataset %s: %w", datasetID, redactURL(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &DeliveryError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	result := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}

	logger.Debug("capi: batch delivered", "dataset_id", datasetID, "events", len(batch),
		"events_received", result["events_received"])
	return result, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

func (c *Client) eventsURL(datasetID string) string {
	params := url.Values{}
	params.Set("access_token", c.accessToken)
	return fmt.Sprintf("%s/%s/%s/events?%s", c.baseURL, c.version, url.PathEscape(datasetID), params.Encode())
}

// redactURL strips the query string (which holds the access token) from a
// transport error before it reaches logs or job messages.
func redactURL(err error) error {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}
	if i := strings.IndexByte(urlErr.URL, '?'); i >= 0 {
		urlErr.URL = urlErr.URL[:i]
	}
	return err
}
