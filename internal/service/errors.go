package service

import (
	"errors"
	"fmt"
)

// ErrMethodNotAllowed is returned for any method other than GET, HEAD or OPTIONS.
var ErrMethodNotAllowed = errors.New("method not allowed")

// ValidationError reports missing or malformed relay input. No upstream
// request is made when it is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// UpstreamError reports an origin that could not be reached or answered with
// a non-success status. Status is 0 for transport failures.
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream responded with status %d", e.Status)
	}
	if e.Err != nil {
		return "upstream request failed: " + e.Err.Error()
	}
	return "upstream request failed"
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// PayloadMismatchError reports an origin that returned an HTML document where
// a binary payload was expected, typically an error or landing page served
// with status 200.
type PayloadMismatchError struct {
	ContentType string
}

func (e *PayloadMismatchError) Error() string {
	return fmt.Sprintf("upstream returned an HTML page (%s) instead of the requested file", e.ContentType)
}

// TimeoutError reports an origin that did not send response headers in time.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return "upstream did not respond in time"
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}
