// Package client provides the mutually-authenticated HTTP client for the model upstream.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"mtls-chat-proxy/internal/config"
	"mtls-chat-proxy/internal/metrics"
)

// UpstreamClient sends requests to the model upstream over mutual TLS.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient that presents id during the
// TLS handshake. The metrics parameter is optional; pass nil to disable
// upstream metrics recording.
//
// No overall client timeout is set: streamed completions can legitimately run
// long, and the inbound handler bounds the request through its context.
func NewUpstreamClient(cfg *config.Config, id *Identity, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	tlsCfg, err := newTLSConfig(cfg.TLS, id)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsCfg,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}, nil
}

func newTLSConfig(cfg config.TLSConfig, id *Identity) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:           tls.VersionTLS12,
		GetClientCertificate: id.GetClientCertificate,
		InsecureSkipVerify:   cfg.InsecureSkipVerify, //nolint:gosec // explicit operator opt-in, warned at startup
	}

	if cfg.CAFile != "" {
		data, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read tls.ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("tls.ca_file %s contains no PEM certificates", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
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

// DoStream builds and executes a request. The provided context controls the
// lifetime of the upstream request, body reads included: when the context is
// canceled (e.g. client disconnects), the upstream request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	return c.Do(req)
}
