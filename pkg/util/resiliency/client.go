// Package resiliency wraps outbound HTTP calls with bounded retries and a
// circuit breaker so a flapping upstream cannot stall an ingestion run.
package resiliency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resiliency: circuit breaker open")

// Doer is the subset of *http.Client the wrapper needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options tune an EnhancedClient. Zero values get defaults.
type Options struct {
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	Threshold   int
	ResetAfter  time.Duration
}

// EnhancedClient retries transient failures (network errors, 429, 5xx) with
// exponential backoff and jitter, and trips a breaker after repeated failures.
type EnhancedClient struct {
	client      Doer
	maxRetries  int
	baseBackoff time.Duration
	breaker     *CircuitBreaker

	// sleep waits for d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHTTPClient returns an *http.Client with a tuned transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// NewEnhancedClient wraps client; a nil client gets NewHTTPClient(opts.Timeout).
func NewEnhancedClient(client Doer, opts Options) *EnhancedClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 250 * time.Millisecond
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.ResetAfter <= 0 {
		opts.ResetAfter = 30 * time.Second
	}
	if client == nil {
		client = NewHTTPClient(opts.Timeout)
	}
	return &EnhancedClient{
		client:      client,
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
		breaker:     NewCircuitBreaker("upstream", opts.Threshold, opts.ResetAfter),
		sleep:       sleepCtx,
	}
}

// Breaker exposes the client's circuit breaker.
func (c *EnhancedClient) Breaker() *CircuitBreaker { return c.breaker }

// Do executes req. Only requests without a body (or with GetBody set) are
// retried; the last response is returned as-is when retries are exhausted.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, req.URL.Host)
	}
	ctx := req.Context()

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if serr := c.sleep(ctx, c.backoff(attempt-1)); serr != nil {
				return nil, serr
			}
		}
		r, cerr := cloneRequest(req)
		if cerr != nil {
			return nil, cerr
		}
		resp, err = c.client.Do(r)
		if err == nil && !retryable(resp.StatusCode) {
			c.breaker.Success()
			return resp, nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < c.maxRetries && resp != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
		}
	}

	c.breaker.Failure()
	return resp, err
}

func (c *EnhancedClient) backoff(i int) time.Duration {
	d := c.baseBackoff << uint(i)
	// #nosec G404 -- jitter only
	jitter := time.Duration(rand.Int63n(int64(c.baseBackoff)/2 + 1))
	return d + jitter
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return req, nil
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	return r, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

// State returns the current state name.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == StateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = StateOpen
	}
}
