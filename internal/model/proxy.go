// Package model defines shared types for the gateway.
package model

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// OutboundRequest describes a request to be forwarded to the model upstream.
// Header and ExtraHeaders are both overlaid on the gateway's default headers,
// in that order; caller values win on key collision.
type OutboundRequest struct {
	Ctx          context.Context
	URL          string
	Method       string // defaults to POST
	Header       http.Header
	ExtraHeaders map[string]string
	Body         []byte
}

// Context returns the request context, defaulting to context.Background.
func (r *OutboundRequest) Context() context.Context {
	if r.Ctx == nil {
		return context.Background()
	}
	return r.Ctx
}

// UpstreamResponse is the envelope returned by the forwarder.
//
// A buffered response carries Raw, and JSON when Raw parsed as JSON.
// A streaming response carries Stream instead; the caller must Close it.
type UpstreamResponse struct {
	StatusCode int
	Status     string // status text without the code, e.g. "OK"
	Header     http.Header

	Raw  []byte
	JSON json.RawMessage

	Stream io.ReadCloser
}

// IsStream reports whether the body is a live stream.
func (r *UpstreamResponse) IsStream() bool {
	return r.Stream != nil
}

// IsJSON reports whether a buffered body parsed as JSON.
func (r *UpstreamResponse) IsJSON() bool {
	return r.JSON != nil
}

// Close releases the live stream, if any.
func (r *UpstreamResponse) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}
