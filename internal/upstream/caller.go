// Package upstream wraps outbound calls to third-party providers with a
// timeout, a circuit breaker, tracing and latency observation.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/apperr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 1 << 20

// Observer records the latency and outcome of provider calls.
type Observer interface {
	ObserveProviderCall(provider, operation string, elapsed time.Duration, err error)
}

type Response struct {
	StatusCode int
	Body       []byte
}

type Caller struct {
	provider string
	timeout  time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[*Response]
	observer Observer
}

// NewCaller builds a caller for one provider. The breaker opens after five
// consecutive transport failures or 5xx responses and probes again after
// thirty seconds. observer may be nil.
func NewCaller(provider string, timeout time.Duration, observer Observer) *Caller {
	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("provider", name).Stringer("from", from).Stringer("to", to).Msg("upstream: circuit breaker state changed")
		},
	}

	return &Caller{
		provider: provider,
		timeout:  timeout,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		breaker:  gobreaker.NewCircuitBreaker[*Response](settings),
		observer: observer,
	}
}

// Do sends the request built by newRequest. Responses below 500 are returned
// to the caller to interpret; transport errors, 5xx responses and an open
// breaker come back as apperr.ErrUpstreamProvider.
func (c *Caller) Do(ctx context.Context, operation string, newRequest func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := newRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("upstream: failed to build %s %s request: %w", c.provider, operation, err)
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*Response, error) {
		httpResp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if httpResp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("unexpected status %d", httpResp.StatusCode)
		}
		return &Response{StatusCode: httpResp.StatusCode, Body: body}, nil
	})
	if c.observer != nil {
		c.observer.ObserveProviderCall(c.provider, operation, time.Since(start), err)
	}

	if err != nil {
		event := log.Error()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			event = log.Warn()
		}
		event.Err(err).Str("provider", c.provider).Str("operation", operation).Msg("upstream: provider call failed")
		return nil, apperr.Upstream(c.provider, err)
	}

	return resp, nil
}
