package service

import (
	"context"
	"errors"
	"fmt"
)

// ErrBodyTooLarge is wrapped when a buffered upstream body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("upstream response body exceeds upstream.max_buffered_body_bytes")

// Kind classifies a ForwardingError.
type Kind string

const (
	// KindStatus means the upstream answered with a non-2xx status.
	KindStatus Kind = "status"
	// KindTransport means the request could not be completed (dial, TLS, reset).
	KindTransport Kind = "transport"
	// KindCanceled means the caller canceled the request.
	KindCanceled Kind = "canceled"
	// KindTimeout means the caller's deadline expired.
	KindTimeout Kind = "timeout"
	// KindRead means the response body could not be read in full.
	KindRead Kind = "read"
)

// ForwardingError is returned when the upstream call fails or answers non-2xx.
type ForwardingError struct {
	Kind       Kind
	URL        string
	StatusCode int    // set for KindStatus
	Status     string // status text, set for KindStatus
	Body       string // upstream response body, set for KindStatus
	Err        error
}

func (e *ForwardingError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("upstream request failed: %d %s. Body: %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("upstream request failed (%s): %v", e.Kind, e.Err)
}

func (e *ForwardingError) Unwrap() error {
	return e.Err
}

// kindOf maps a transport or read error to a Kind.
func kindOf(err error, fallback Kind) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return fallback
	}
}
