package resiliency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestEnhancedClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewEnhancedClient(srv.Client(), Options{MaxRetries: 3})
	c.sleep = noSleep

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, StateClosed, c.Breaker().State())
}

func TestEnhancedClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewEnhancedClient(srv.Client(), Options{MaxRetries: 3})
	c.sleep = noSleep

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEnhancedClient_ExhaustedReturnsLastResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewEnhancedClient(srv.Client(), Options{MaxRetries: 2, Threshold: 1})
	c.sleep = noSleep

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, StateOpen, c.Breaker().State())

	_, err = c.Do(req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestEnhancedClient_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewEnhancedClient(srv.Client(), Options{MaxRetries: 5})
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err := c.Do(req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("t", 2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.Failure()
	assert.True(t, cb.Allow())
	cb.Failure()
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State(), "a failure while half-open re-opens")

	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
}
