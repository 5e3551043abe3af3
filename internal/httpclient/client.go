// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package httpclient provides the retrying HTTP client shared by all
// outbound integrations (Supabase, Resend, FCM). Retries follow a fixed
// delay schedule with jitter rather than an unbounded exponential curve, so
// a full cycle's worth of calls stays within the heartbeat's time budget.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-rootcerts"

	"github.com/afterword-app/heartbeat/internal/consts"
)

// DefaultTimeout bounds each individual attempt, not the whole retry loop.
const DefaultTimeout = 30 * time.Second

// jitterFraction is the maximum fraction of the scheduled delay added as
// uniform random jitter.
const jitterFraction = 0.25

// retrySchedule holds the delay before the 2nd, 3rd and 4th attempt.
var retrySchedule = []time.Duration{
	1 * time.Second,
	3 * time.Second,
	8 * time.Second,
}

// randFloat64 is a hook for tests to make jitter deterministic.
var randFloat64 = rand.Float64

var retryableStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooEarly:            {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// RetryableStatus reports whether an HTTP status code warrants a retry.
func RetryableStatus(code int) bool {
	_, ok := retryableStatuses[code]
	return ok
}

// scheduleBackOff walks retrySchedule once, adding uniform jitter in
// [0, jitterFraction) of each delay. It returns backoff.Stop after the
// schedule is exhausted.
type scheduleBackOff struct {
	schedule []time.Duration
	next     int
}

var _ backoff.BackOff = (*scheduleBackOff)(nil)

func newScheduleBackOff() backoff.BackOff {
	return &scheduleBackOff{schedule: retrySchedule}
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.schedule) {
		return backoff.Stop
	}
	d := b.schedule[b.next]
	b.next++
	return d + time.Duration(randFloat64()*jitterFraction*float64(d))
}

func (b *scheduleBackOff) Reset() {
	b.next = 0
}

// Request describes one outbound call. Header values and Body are re-sent
// verbatim on every attempt, so idempotency keys set by the caller cover the
// whole retry loop.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Client is a retrying HTTP client. The zero value is not usable; construct
// with New.
type Client struct {
	http       *http.Client
	newBackOff func() backoff.BackOff
	logger     logr.Logger
}

// Option configures a Client.
type Option func(*Client) error

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.http.Timeout = timeout
		return nil
	}
}

// WithHTTPClient replaces the underlying client entirely. Mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.http = hc
		return nil
	}
}

// WithCAConfig installs extra trusted CAs for outbound TLS, for deployments
// that front Supabase or the mail provider with an inspecting proxy.
func WithCAConfig(caConfig *rootcerts.Config) Option {
	return func(c *Client) error {
		tlsConfig := &tls.Config{}
		if err := rootcerts.ConfigureTLS(tlsConfig, caConfig); err != nil {
			return fmt.Errorf("failed to configure CA certificates: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		c.http.Transport = transport
		return nil
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger logr.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

func withBackOffFactory(f func() backoff.BackOff) Option {
	return func(c *Client) error {
		c.newBackOff = f
		return nil
	}
}

// New builds a Client with the default timeout and retry schedule.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		http:       &http.Client{Timeout: DefaultTimeout},
		newBackOff: newScheduleBackOff,
		logger:     logr.Discard(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Do executes the request, retrying transport errors and retryable statuses
// per the schedule. On success or a non-retryable status the response is
// returned with its body intact. If every attempt lands on a retryable
// status the final response is returned with a nil error, leaving the status
// check to the caller. If the final attempt fails in transport, the error is
// returned.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	bo := c.newBackOff()
	for attempt := 1; ; attempt++ {
		resp, err := c.attempt(ctx, req)
		if err == nil && !RetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			if err != nil {
				return nil, fmt.Errorf("%s %s failed after %d attempts: %w",
					req.Method, req.URL, attempt, err)
			}
			return resp, nil
		}

		if err != nil {
			c.logger.V(consts.LogLevelWarning).Info("Request failed, retrying",
				"method", req.Method, "url", req.URL, "attempt", attempt,
				"wait", wait, "error", err.Error())
		} else {
			c.logger.V(consts.LogLevelWarning).Info("Request failed, retrying",
				"method", req.Method, "url", req.URL, "attempt", attempt,
				"wait", wait, "status", resp.StatusCode)
			drain(resp)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) attempt(ctx context.Context, req Request) (*http.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return c.http.Do(httpReq)
}

// drain discards the body of a response we are about to retry so the
// underlying connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// ReadBody reads and closes the response body, truncating what it returns to
// keep error logs bounded.
func ReadBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return ""
	}
	return string(b)
}
