// Package httpclient provides the outbound HTTP plumbing used to talk to
// remote agents: a RoundTripper that retries rejected requests, and TLS
// setup for private CAs.
package httpclient

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	// ConservativeRetry retries a server error at most twice.
	ConservativeRetry
	// SmartRetry honors Retry-After and backs off exponentially otherwise.
	SmartRetry
)

type RetryStrategyFunc func(statusCode int) RetryStrategy

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Transport retries requests the server rejected before processing them.
// Bodies must be replayable: requests without GetBody are sent once.
type Transport struct {
	base       http.RoundTripper
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	strategy   RetryStrategyFunc
}

type Option func(*Transport)

func WithMaxRetries(n int) Option {
	return func(t *Transport) {
		t.maxRetries = n
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.baseDelay = d
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.maxDelay = d
	}
}

func WithRetryStrategy(fn RetryStrategyFunc) Option {
	return func(t *Transport) {
		t.strategy = fn
	}
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(base http.RoundTripper, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		base:       base,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		strategy:   DefaultRetryStrategy,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DefaultRetryStrategy retries only statuses that mean the request was
// not acted on.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req = req.Clone(req.Context())
			req.Body = body
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil || !replayable || attempt >= t.maxRetries {
			return resp, err
		}

		strategy := t.strategy(resp.StatusCode)
		delay, retry := t.delay(strategy, attempt, resp.Header)
		if !retry {
			return resp, nil
		}

		slog.Debug("Retrying request",
			"url", req.URL.Redacted(),
			"status", resp.StatusCode,
			"attempt", attempt+1,
			"delay", delay)
		drain(resp)

		if err := sleep(req.Context(), delay); err != nil {
			return nil, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    "canceled while waiting to retry",
				RetryAfter: delay,
				Err:        err,
			}
		}
	}
}

// delay returns how long to wait before the next attempt, and false when
// the response should be returned as is.
func (t *Transport) delay(strategy RetryStrategy, attempt int, h http.Header) (time.Duration, bool) {
	var d time.Duration
	switch strategy {
	case SmartRetry:
		if after, ok := ParseRetryAfter(h.Get("Retry-After"), time.Now()); ok {
			d = after
			break
		}
		exp := time.Duration(math.Pow(2, float64(attempt))) * t.baseDelay
		d = exp + exp/10
	case ConservativeRetry:
		if attempt >= 2 {
			return 0, false
		}
		d = time.Duration(attempt+1) * t.baseDelay
	default:
		return 0, false
	}
	return min(d, t.maxDelay), true
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
