package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"media-relay-go/internal/client"
	"media-relay-go/internal/metrics"
	"media-relay-go/internal/model"
	"media-relay-go/internal/service"
	"media-relay-go/internal/stream"
)

// signedQueryPattern matches the query string of URLs embedded in error
// messages. Origin URLs often carry signatures or tokens there.
var signedQueryPattern = regexp.MustCompile(`(https?://[^\s"?]+)\?[^\s"]*`)

// progressInterval bounds how often a single transfer logs progress.
const progressInterval = 5 * time.Second

// RelayHandler streams origin media to clients.
type RelayHandler struct {
	service *service.RelayService
	pump    *stream.Pump
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler. The metrics parameter is optional.
func NewRelayHandler(svc *service.RelayService, pump *stream.Pump, m *metrics.Metrics, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		pump:    pump,
		metrics: m,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle serves GET, HEAD and OPTIONS on the relay endpoint.
//
// Until the status line is written every failure becomes a JSON error. After
// that, a failed transfer tears the connection down so the client never
// mistakes a truncated body for a complete one.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		return c.NoContent(http.StatusOK)
	}

	rr, err := h.service.Validate(req.Context(), req.Method, req.URL.RawQuery, req.Header)
	if err != nil {
		return h.mapError(c, err)
	}

	neg, err := h.service.Negotiate(rr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = neg.Close() }()

	res := c.Response()
	for key, vals := range neg.Header {
		res.Header()[key] = vals
	}

	if rr.Method == http.MethodHead {
		res.WriteHeader(neg.StatusCode)
		if neg.Mode == model.ModeProbe {
			h.metrics.ObserveResult(rr.Method, metrics.ResultProbeFallback)
		} else {
			h.metrics.ObserveResult(rr.Method, metrics.ResultCompleted)
		}
		return nil
	}

	res.WriteHeader(neg.StatusCode)

	start := time.Now()
	stats, err := h.pump.Run(req.Context(), res, neg.Body, h.progress(rr, neg, start))
	h.metrics.AddRelayedBytes(string(neg.Mode), stats.Bytes)

	if err != nil {
		h.metrics.ObserveResult(rr.Method, metrics.ResultAborted)
		h.logger.Warn("relay aborted mid-stream",
			"host", rr.Target.Host,
			"mode", neg.Mode,
			"bytes", stats.Bytes,
			"content_length", neg.ContentLength,
			"state", stats.State.String(),
			"err", sanitizeError(err),
		)
		// Headers are on the wire; abort the connection instead of ending the
		// body cleanly.
		panic(http.ErrAbortHandler)
	}

	h.metrics.ObserveResult(rr.Method, metrics.ResultCompleted)
	h.logger.Debug("relay completed",
		"host", rr.Target.Host,
		"mode", neg.Mode,
		"bytes", stats.Bytes,
		"peak_buffered", stats.PeakBuffered,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// progress returns an observer that logs transfer progress at most once per
// progressInterval.
func (h *RelayHandler) progress(rr *model.RelayRequest, neg *model.Negotiated, start time.Time) stream.Observer {
	if !h.logger.Enabled(rr.Ctx, slog.LevelDebug) {
		return nil
	}
	sometimes := &rate.Sometimes{Interval: progressInterval}
	return stream.ObserverFunc(func(total int64) {
		sometimes.Do(func() {
			h.logger.Debug("relay progress",
				"host", rr.Target.Host,
				"bytes", total,
				"content_length", neg.ContentLength,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		})
	})
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	req := c.Request()
	status, message, result := classifyError(err)

	level := slog.LevelWarn
	if status < http.StatusInternalServerError {
		level = slog.LevelInfo
	}
	h.logger.Log(req.Context(), level, "relay error",
		"err", sanitizeError(err),
		"method", req.Method,
		"status", status,
	)
	h.metrics.ObserveResult(req.Method, result)

	var upErr *service.UpstreamError
	if errors.As(err, &upErr) && upErr.Status != 0 {
		c.Response().Header().Set("X-Upstream-Status", strconv.Itoa(upErr.Status))
	}
	if errors.Is(err, service.ErrMethodNotAllowed) {
		c.Response().Header().Set(echo.HeaderAllow, "GET, HEAD, OPTIONS")
	}

	if req.Method == http.MethodHead {
		return c.NoContent(status)
	}
	return c.JSON(status, map[string]string{
		"error": message,
	})
}

// classifyError maps a pre-stream failure to a client status, a safe message
// and a metrics result.
func classifyError(err error) (int, string, string) {
	var (
		valErr     *service.ValidationError
		payloadErr *service.PayloadMismatchError
		timeoutErr *service.TimeoutError
		upErr      *service.UpstreamError
		dnsErr     *net.DNSError
		urlErr     *url.Error
	)

	switch {
	case errors.Is(err, service.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed, "method not allowed", metrics.ResultInvalid
	case errors.As(err, &valErr):
		return http.StatusBadRequest, valErr.Reason, metrics.ResultInvalid
	case errors.As(err, &payloadErr):
		return http.StatusBadRequest, "upstream returned an HTML page instead of a media file", metrics.ResultPayloadMismatch
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream request timed out", metrics.ResultTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "client disconnected", metrics.ResultAborted
	case errors.As(err, &upErr) && upErr.Status != 0:
		return http.StatusBadGateway, upErr.Error(), metrics.ResultUpstreamError
	case errors.Is(err, client.ErrBlockedAddress):
		return http.StatusBadGateway, "upstream address is not allowed", metrics.ResultUpstreamError
	case errors.As(err, &dnsErr):
		return http.StatusBadGateway, "upstream host unreachable", metrics.ResultUpstreamError
	case errors.As(err, &urlErr):
		return http.StatusBadGateway, "upstream connection failed", metrics.ResultUpstreamError
	default:
		return http.StatusBadGateway, "upstream request failed", metrics.ResultUpstreamError
	}
}

// sanitizeError redacts query strings from URLs embedded in error messages.
func sanitizeError(err error) string {
	return signedQueryPattern.ReplaceAllString(err.Error(), "${1}?[REDACTED]")
}
