package httpretry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestDo_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"x":1}`, string(body), "body must be replayed on every attempt")
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &recordedSleep{}
	rc := NewRetryClient(srv.Client(), 3, WithBaseDelay(100*time.Millisecond), WithSleep(rec.sleep))

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"x":1}`))
	require.NoError(t, err)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Len(t, rec.delays, 2)
	assert.GreaterOrEqual(t, rec.delays[1], 2*rec.delays[0])
}

func TestDo_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	rec := &recordedSleep{}
	rc := NewRetryClient(srv.Client(), 3, WithSleep(rec.sleep))

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := rc.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, rec.delays)
}

func TestDo_ReturnsLastResponseWhenRetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	rec := &recordedSleep{}
	rc := NewRetryClient(srv.Client(), 2, WithSleep(rec.sleep))

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := rc.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "slow down", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

type failingDoer struct {
	calls int
}

func (f *failingDoer) Do(*http.Request) (*http.Response, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func TestDo_RetriesTransportErrors(t *testing.T) {
	doer := &failingDoer{}
	rec := &recordedSleep{}
	rc := NewRetryClient(doer, 2, WithSleep(rec.sleep))

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/events", nil)
	_, err := rc.Do(req)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, doer.calls)
	assert.Len(t, rec.delays, 2)
}

func TestDo_StopsWhenContextCanceled(t *testing.T) {
	doer := &failingDoer{}
	ctx, cancel := context.WithCancel(context.Background())
	rc := NewRetryClient(doer, 5, WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid", nil)
	_, err := rc.Do(req)

	require.Error(t, err)
	assert.Equal(t, 1, doer.calls)
}

func TestDelay(t *testing.T) {
	rc := NewRetryClient(nil, 5, WithBaseDelay(500*time.Millisecond), WithMaxDelay(3*time.Second))

	assert.Equal(t, time.Duration(0), rc.Delay(0))
	assert.Equal(t, 500*time.Millisecond, rc.Delay(1))
	assert.Equal(t, time.Second, rc.Delay(2))
	assert.Equal(t, 2*time.Second, rc.Delay(3))
	assert.Equal(t, 3*time.Second, rc.Delay(4))
	assert.Equal(t, 3*time.Second, rc.Delay(10))
}

func TestIsRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusNotImplemented, true},
		{http.StatusBadGateway, true},
		{599, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableStatus(tt.code), "status %d", tt.code)
	}
}

func TestNewRetryClient_Defaults(t *testing.T) {
	rc := NewRetryClient(nil, -1)
	assert.Equal(t, 3, rc.MaxRetries())

	rc = NewRetryClient(nil, 0)
	assert.Equal(t, 0, rc.MaxRetries())
}
