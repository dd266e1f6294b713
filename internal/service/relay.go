// Package service implements request validation and upstream negotiation for the relay.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"media-relay-go/internal/client"
	"media-relay-go/internal/config"
	"media-relay-go/internal/model"
	"media-relay-go/internal/rewrite"
)

const maxFilenameLength = 255

// passthroughResponseHeaders are copied from the origin when present.
var passthroughResponseHeaders = []string{
	"ETag",
	"Last-Modified",
}

// htmlMediaTypes are content types that mark an origin error or landing page.
var htmlMediaTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
}

// RelayService validates relay requests and negotiates them with the origin.
// It holds no per-request state.
type RelayService struct {
	client   *client.UpstreamClient
	cfg      *config.Config
	rewriter *rewrite.Rewriter
	logger   *slog.Logger
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *RelayService {
	var rw *rewrite.Rewriter
	if !cfg.Rewrite.Disabled {
		rw = rewrite.Default()
	}
	return &RelayService{
		client:   c,
		cfg:      cfg,
		rewriter: rw,
		logger:   logger.With("component", "relay_service"),
	}
}

// Validate builds a relay context from the inbound method, raw query string
// and headers. The url parameter is percent-decoded exactly once.
func (s *RelayService) Validate(ctx context.Context, method, rawQuery string, header http.Header) (*model.RelayRequest, error) {
	if method != http.MethodGet && method != http.MethodHead {
		return nil, ErrMethodNotAllowed
	}

	rawTarget, ok, err := queryParam(rawQuery, "url")
	if err != nil {
		return nil, &ValidationError{Reason: "url parameter is not valid percent-encoding"}
	}
	if !ok || strings.TrimSpace(rawTarget) == "" {
		return nil, &ValidationError{Reason: "url parameter is required"}
	}

	target, err := parseTarget(strings.TrimSpace(rawTarget))
	if err != nil {
		return nil, err
	}

	if rewritten, rule := s.rewriter.Rewrite(target.String()); rule != "" {
		u, err := parseTarget(rewritten)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", rule, err)
		}
		s.logger.Debug("rewrote share link", "rule", rule, "host", u.Host)
		target = u
	}

	filename, _, err := queryParam(rawQuery, "filename")
	if err != nil {
		return nil, &ValidationError{Reason: "filename parameter is not valid percent-encoding"}
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = s.cfg.Relay.DefaultFilename
	}
	if len(filename) > maxFilenameLength || !httpguts.ValidHeaderFieldValue(filename) {
		return nil, &ValidationError{Reason: "filename parameter is not a valid file name"}
	}

	rr := &model.RelayRequest{
		Ctx:      ctx,
		Method:   method,
		Target:   target,
		Filename: filename,
	}
	if method == http.MethodGet {
		rr.Range = header.Get("Range")
		rr.IfRange = header.Get("If-Range")
	}
	return rr, nil
}

// Negotiate contacts the origin and decides the status and headers the
// client will receive. Nothing is written to the client here. On success the
// caller must Close the returned Negotiated.
func (s *RelayService) Negotiate(rr *model.RelayRequest) (*model.Negotiated, error) {
	if rr.Method == http.MethodHead {
		return s.probe(rr)
	}
	return s.fetch(rr)
}

// probe answers a HEAD request from the origin's headers. When the origin
// cannot be probed at all it falls back to a conservative header set.
func (s *RelayService) probe(rr *model.RelayRequest) (*model.Negotiated, error) {
	resp, err := s.client.Open(rr.Ctx, http.MethodHead, rr.Target.String(), s.upstreamHeaders(rr))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, client.ErrBlockedAddress) {
			return nil, &UpstreamError{Err: err}
		}
		s.logger.Warn("HEAD probe failed; using fallback headers", "host", rr.Target.Host, "err", err)
		return s.probeFallback(rr, 0), nil
	}
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		s.logger.Debug("origin does not support HEAD; using fallback headers",
			"host", rr.Target.Host,
			"status", resp.StatusCode,
		)
		return s.probeFallback(rr, resp.StatusCode), nil
	}

	if err := classify(resp); err != nil {
		return nil, err
	}

	return &model.Negotiated{
		StatusCode:     relayStatus(resp.StatusCode),
		Header:         s.responseHeaders(resp, rr.Filename, model.ModeStream),
		Mode:           model.ModeStream,
		ContentLength:  resp.ContentLength,
		UpstreamStatus: resp.StatusCode,
	}, nil
}

func (s *RelayService) probeFallback(rr *model.RelayRequest, upstreamStatus int) *model.Negotiated {
	h := make(http.Header)
	h.Set("Content-Type", s.cfg.Relay.DefaultContentType)
	if n := s.cfg.Relay.HeadFallbackLength; n > 0 {
		h.Set("Content-Length", strconv.FormatInt(n, 10))
	}
	h.Set("Content-Disposition", ContentDisposition(rr.Filename))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Relay-Fallback", "probe")
	h.Set("X-Relay-Mode", string(model.ModeProbe))

	contentLength := int64(-1)
	if s.cfg.Relay.HeadFallbackLength > 0 {
		contentLength = s.cfg.Relay.HeadFallbackLength
	}
	return &model.Negotiated{
		StatusCode:     http.StatusOK,
		Header:         h,
		Mode:           model.ModeProbe,
		ContentLength:  contentLength,
		UpstreamStatus: upstreamStatus,
	}
}

// fetch opens the origin body for a GET and rejects responses that must not
// be relayed. Small declared payloads are read fully here so that failures
// still surface as errors instead of truncated bodies.
func (s *RelayService) fetch(rr *model.RelayRequest) (*model.Negotiated, error) {
	resp, err := s.client.Open(rr.Ctx, http.MethodGet, rr.Target.String(), s.upstreamHeaders(rr))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if err := classify(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	if s.shouldBuffer(resp) {
		return s.buffer(rr, resp)
	}

	return &model.Negotiated{
		StatusCode:     relayStatus(resp.StatusCode),
		Header:         s.responseHeaders(resp, rr.Filename, model.ModeStream),
		Mode:           model.ModeStream,
		Body:           resp.Body,
		ContentLength:  resp.ContentLength,
		UpstreamStatus: resp.StatusCode,
	}, nil
}

func (s *RelayService) shouldBuffer(resp *http.Response) bool {
	return s.cfg.Relay.BufferingEnabled() &&
		resp.ContentLength >= 0 &&
		resp.ContentLength <= s.cfg.Relay.BufferThresholdBytes
}

func (s *RelayService) buffer(rr *model.RelayRequest, resp *http.Response) (*model.Negotiated, error) {
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.Relay.BufferThresholdBytes+1))
	if err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(data)) != resp.ContentLength {
		return nil, &UpstreamError{Err: fmt.Errorf("body length %d does not match declared %d", len(data), resp.ContentLength)}
	}

	if resp.Header.Get("Content-Type") == "" {
		sniffed := http.DetectContentType(data)
		if isHTML(sniffed) {
			return nil, &PayloadMismatchError{ContentType: sniffed}
		}
	}

	s.logger.Debug("serving buffered payload", "host", rr.Target.Host, "bytes", len(data))

	return &model.Negotiated{
		StatusCode:     relayStatus(resp.StatusCode),
		Header:         s.responseHeaders(resp, rr.Filename, model.ModeBuffered),
		Mode:           model.ModeBuffered,
		Body:           io.NopCloser(bytes.NewReader(data)),
		ContentLength:  int64(len(data)),
		UpstreamStatus: resp.StatusCode,
	}, nil
}

// upstreamHeaders builds the controlled header set sent to the origin.
func (s *RelayService) upstreamHeaders(rr *model.RelayRequest) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", s.cfg.Upstream.UserAgent)
	h.Set("Accept", s.cfg.Upstream.Accept)
	h.Set("Accept-Encoding", "identity")

	referer := s.cfg.Upstream.Referer
	if referer == "" || referer == config.RefererOrigin {
		referer = rr.Target.Scheme + "://" + rr.Target.Host + "/"
	}
	h.Set("Referer", referer)

	if rr.Range != "" {
		h.Set("Range", rr.Range)
		if rr.IfRange != "" {
			h.Set("If-Range", rr.IfRange)
		}
	}
	return h
}

// responseHeaders derives the client header set from an accepted origin response.
func (s *RelayService) responseHeaders(resp *http.Response, filename string, mode model.RelayMode) http.Header {
	h := make(http.Header)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = s.cfg.Relay.DefaultContentType
	}
	h.Set("Content-Type", contentType)

	if resp.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			h.Set("Content-Range", cr)
		}
	}
	for _, key := range passthroughResponseHeaders {
		if v := resp.Header.Get(key); v != "" {
			h.Set(key, v)
		}
	}

	h.Set("Content-Disposition", ContentDisposition(filename))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", s.cfg.Relay.CacheMaxAgeSeconds))
	h.Set("X-Relay-Mode", string(mode))
	return h
}

// classify rejects origin responses that must not be relayed.
func classify(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{Status: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); isHTML(ct) {
		return &PayloadMismatchError{ContentType: ct}
	}
	return nil
}

// classifyTransportError maps a failed upstream round trip onto the error taxonomy.
// Client cancellation is returned unchanged.
func classifyTransportError(err error) error {
	if errors.Is(err, client.ErrFirstByteTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Err: err}
	}
	return &UpstreamError{Err: err}
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return htmlMediaTypes[strings.ToLower(mediaType)]
}

// relayStatus maps an accepted origin status to the client status.
func relayStatus(upstream int) int {
	if upstream == http.StatusPartialContent {
		return http.StatusPartialContent
	}
	return http.StatusOK
}

// parseTarget checks that raw is an absolute http(s) URL with a host.
func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ValidationError{Reason: "url parameter is not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ValidationError{Reason: "url parameter must be an absolute http or https URL"}
	}
	if u.Hostname() == "" {
		return nil, &ValidationError{Reason: "url parameter has no host"}
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// queryParam returns the first value of key in rawQuery, decoding only that
// value. Unlike url.ParseQuery it reports a malformed escape in the wanted
// parameter instead of silently dropping it.
func queryParam(rawQuery, key string) (string, bool, error) {
	for rawQuery != "" {
		var pair string
		pair, rawQuery, _ = strings.Cut(rawQuery, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(k)
		if err != nil || k != key {
			continue
		}
		v, err = url.QueryUnescape(v)
		if err != nil {
			return "", true, err
		}
		return v, true, nil
	}
	return "", false, nil
}

// ContentDisposition formats an attachment disposition for name. Non-ASCII
// names get an ASCII fallback plus an RFC 5987 filename* parameter.
func ContentDisposition(name string) string {
	quoted := strings.NewReplacer(`\`, `\\`, `"`, `\"`)

	ascii := true
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			ascii = false
			break
		}
	}
	if ascii {
		return `attachment; filename="` + quoted.Replace(name) + `"`
	}

	fallback := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '_'
		}
		return r
	}, name)
	return `attachment; filename="` + quoted.Replace(fallback) + `"; filename*=UTF-8''` + encodeExtValue(name)
}

// encodeExtValue percent-encodes everything outside RFC 5987 attr-char.
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
