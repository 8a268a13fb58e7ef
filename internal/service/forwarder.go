// Package service implements the authenticated forwarding of requests to the model upstream.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"mtls-chat-proxy/internal/config"
	"mtls-chat-proxy/internal/credential"
	"mtls-chat-proxy/internal/metrics"
	"mtls-chat-proxy/internal/model"
)

// maxErrorBody bounds how much of a failed upstream response is kept.
const maxErrorBody = 64 * 1024

// hopByHopHeaders are never copied between the caller, the gateway and the upstream.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// TokenSource supplies the bearer credential.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Doer executes upstream requests.
type Doer interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error)
}

// Forwarder attaches the credential and identity headers to outbound
// requests and reshapes the upstream response.
type Forwarder struct {
	client  Doer
	tokens  TokenSource
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder creates a Forwarder.
// The metrics parameter is optional; pass nil to disable shape-warning metrics.
func NewForwarder(c Doer, tokens TokenSource, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		client:  c,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger.With("component", "forwarder"),
		metrics: m,
	}
}

// Forward sends req upstream and buffers the full response body.
//
// The returned envelope keeps the raw bytes; when they parse as JSON the
// JSON field is set as well. A non-JSON body is not an error.
func (f *Forwarder) Forward(req *model.OutboundRequest) (*model.UpstreamResponse, error) {
	resp, err := f.send(req)
	if err != nil {
		return nil, err
	}

	out := envelope(resp)
	out.Stream = resp.Body
	return f.Buffer(req, out)
}

// Buffer reads the live body of a streaming envelope for req in full, closes
// it and returns the envelope in buffered form. Buffered envelopes are
// returned unchanged.
func (f *Forwarder) Buffer(req *model.OutboundRequest, resp *model.UpstreamResponse) (*model.UpstreamResponse, error) {
	if !resp.IsStream() {
		return resp, nil
	}
	body := resp.Stream
	defer func() { _ = body.Close() }()

	limit := f.cfg.Upstream.MaxBufferedBodySize
	raw, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, f.fail(&ForwardingError{Kind: kindOf(err, KindRead), URL: req.URL, Err: err})
	}
	if int64(len(raw)) > limit {
		return nil, f.fail(&ForwardingError{Kind: KindRead, URL: req.URL, Err: ErrBodyTooLarge})
	}

	out := *resp
	out.Stream = nil
	out.Raw = raw
	if json.Valid(raw) {
		out.JSON = json.RawMessage(raw)
	} else {
		f.logger.Warn("response is not valid JSON; returning raw text",
			"url", req.URL,
			"content_type", resp.Header.Get("Content-Type"),
			"bytes", len(raw),
		)
		if f.metrics != nil {
			f.metrics.ResponseShapeWarnings.Inc()
		}
	}
	return &out, nil
}

// ForwardStream sends req upstream and returns the live response body.
// The caller must Close the envelope.
func (f *Forwarder) ForwardStream(req *model.OutboundRequest) (*model.UpstreamResponse, error) {
	resp, err := f.send(req)
	if err != nil {
		return nil, err
	}

	out := envelope(resp)
	out.Stream = resp.Body
	return out, nil
}

// send obtains a credential, issues the request and rejects non-2xx responses.
// On success the caller owns resp.Body.
func (f *Forwarder) send(req *model.OutboundRequest) (*http.Response, error) {
	ctx := req.Context()

	token, err := f.tokens.Token(ctx)
	if err != nil {
		var cae *credential.CredentialAcquisitionError
		if errors.As(err, &cae) {
			// Already logged where it was detected.
			return nil, err
		}
		return nil, f.fail(&ForwardingError{Kind: kindOf(err, KindTransport), URL: req.URL, Err: err})
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	f.logger.Debug("forwarding request", "method", method, "url", req.URL)

	resp, err := f.client.DoStream(ctx, method, req.URL, f.composeHeaders(token, req.Header, req.ExtraHeaders), body)
	if err != nil {
		return nil, f.fail(&ForwardingError{Kind: kindOf(err, KindTransport), URL: req.URL, Err: err})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, f.fail(&ForwardingError{
			Kind:       KindStatus,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Body:       string(errBody),
		})
	}

	return resp, nil
}

// composeHeaders builds the outbound headers. Defaults are set first and the
// caller's headers overlay them, so a caller-supplied Authorization wins.
func (f *Forwarder) composeHeaders(token string, caller http.Header, extra map[string]string) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")
	h.Set(f.cfg.Requestor.Header, f.cfg.Requestor.ID)

	for key, vals := range caller {
		h[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
	}
	for key, val := range extra {
		h.Set(key, val)
	}

	for _, key := range hopByHopHeaders {
		h.Del(key)
	}
	return h
}

// fail logs a forwarding failure once, at the point it is detected.
func (f *Forwarder) fail(err *ForwardingError) error {
	attrs := []any{"kind", err.Kind, "url", err.URL}
	if err.Kind == KindStatus {
		attrs = append(attrs, "status", err.StatusCode, "status_text", err.Status, "body", err.Body)
	} else {
		attrs = append(attrs, "err", err.Err)
	}

	if err.Kind == KindCanceled {
		f.logger.Info("upstream request canceled by caller", attrs...)
	} else {
		f.logger.Error("upstream request failed", attrs...)
	}
	return err
}

func envelope(resp *http.Response) *model.UpstreamResponse {
	header := resp.Header.Clone()
	for _, key := range hopByHopHeaders {
		header.Del(key)
	}
	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Status:     statusText(resp),
		Header:     header,
	}
}

// statusText returns the reason phrase of resp.Status ("200 OK" → "OK").
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}
