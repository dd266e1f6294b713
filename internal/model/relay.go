// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// RelayRequest is the validated, per-request relay context. It lives for a single
// request and is never shared.
type RelayRequest struct {
	Ctx    context.Context
	Method string

	// Target is the decoded, rewritten upstream URL.
	Target *url.URL
	// Filename is used only for Content-Disposition.
	Filename string

	// Range and IfRange are forwarded upstream on GET.
	Range   string
	IfRange string
}

// RelayMode reports how a negotiated response body will be delivered.
type RelayMode string

// Relay modes.
const (
	ModeStream   RelayMode = "stream"
	ModeBuffered RelayMode = "buffered"
	ModeProbe    RelayMode = "probe"
)

// Negotiated is the outcome of upstream negotiation: the status and header set
// the client will receive, plus the body to relay. Header is final before the
// first body byte is written.
type Negotiated struct {
	StatusCode int
	Header     http.Header
	Mode       RelayMode

	// Body is nil for HEAD responses.
	Body io.ReadCloser
	// ContentLength is the upstream-declared length, or -1 when unknown.
	ContentLength int64
	// UpstreamStatus is the status the origin answered with, or 0 when the
	// probe never reached it.
	UpstreamStatus int
}

// Close releases the upstream body, if any.
func (n *Negotiated) Close() error {
	if n == nil || n.Body == nil {
		return nil
	}
	return n.Body.Close()
}
