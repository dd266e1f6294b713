// Package client provides the outbound HTTP client used to reach origins.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"media-relay-go/internal/config"
	"media-relay-go/internal/metrics"
)

// ErrFirstByteTimeout is the cancellation cause used when an origin does not
// send response headers within the configured bound.
var ErrFirstByteTimeout = errors.New("upstream did not respond in time")

// UpstreamClient sends requests to arbitrary origins.
type UpstreamClient struct {
	httpClient       *http.Client
	logger           *slog.Logger
	metrics          *metrics.Metrics
	firstByteTimeout time.Duration
}

// NewUpstreamClient creates an UpstreamClient with connection pooling, a
// bounded redirect policy and, unless allowed by config, a dial guard that
// refuses non-public addresses.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if !cfg.Upstream.AllowPrivateNetworks {
		dialer.Control = guardPublicAddress
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Bytes are relayed exactly as the origin sent them.
		DisableCompression: true,
	}

	maxRedirects := cfg.Upstream.MaxRedirects
	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger:           logger.With("component", "upstream_client"),
		metrics:          m,
		firstByteTimeout: cfg.Upstream.FirstByteTimeout(),
	}
}

// Do executes an HTTP request against the origin and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// Open issues a body-less request and returns once response headers arrive.
// If headers do not arrive within the first-byte bound the request is
// canceled and the returned error wraps ErrFirstByteTimeout. The bound does
// not apply to reading the body: the returned body stays readable until it is
// closed or ctx is canceled.
func (c *UpstreamClient) Open(ctx context.Context, method, target string, header http.Header) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	var timer *time.Timer
	if c.firstByteTimeout > 0 {
		timer = time.AfterFunc(c.firstByteTimeout, func() { cancel(ErrFirstByteTimeout) })
	}

	resp, err := c.Do(req)
	fired := timer != nil && !timer.Stop()

	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrFirstByteTimeout) {
			err = fmt.Errorf("upstream request: %w", cause)
		}
		cancel(nil)
		return nil, err
	}
	if fired {
		// Headers raced the timer; the request context is already gone.
		_ = resp.Body.Close()
		cancel(nil)
		return nil, fmt.Errorf("upstream request: %w", ErrFirstByteTimeout)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the per-request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
