package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mtls-chat-proxy/internal/client"
	"mtls-chat-proxy/internal/config"
	"mtls-chat-proxy/internal/credential"
	"mtls-chat-proxy/internal/metrics"
	"mtls-chat-proxy/internal/model"
	pki "mtls-chat-proxy/internal/testutil"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	fwd     *Forwarder
	srv     *httptest.Server
	metrics *metrics.Metrics
}

// newFixture starts an mTLS upstream running h and a Forwarder pointed at it.
func newFixture(t *testing.T, h http.HandlerFunc, tokens TokenSource) *fixture {
	t.Helper()
	ca := pki.NewPKI(t)
	srv := pki.NewMTLSServer(t, ca, h)
	certPEM, keyPEM := ca.Issue(t, "gateway", false)

	cfg := &config.Config{
		Requestor: config.RequestorConfig{ID: "team-a", Header: "X-Requestor-Id"},
		TLS: config.TLSConfig{
			Cert:   string(certPEM),
			Key:    string(keyPEM),
			CAFile: pki.WriteFile(t, "ca.pem", ca.CAPEM),
		},
		Upstream: config.UpstreamConfig{IdleConnections: 4, DialTimeoutSeconds: 5, MaxBufferedBodySize: 1024},
	}
	logger := discardLogger()
	m := metrics.New()

	id, err := client.LoadIdentity(cfg, logger)
	if err != nil {
		t.Fatalf("LoadIdentity() error = %v", err)
	}
	uc, err := client.NewUpstreamClient(cfg, id, logger, m)
	if err != nil {
		t.Fatalf("NewUpstreamClient() error = %v", err)
	}

	return &fixture{fwd: NewForwarder(uc, tokens, cfg, logger, m), srv: srv, metrics: m}
}

func (fx *fixture) request(path string) *model.OutboundRequest {
	return &model.OutboundRequest{Ctx: context.Background(), URL: fx.srv.URL + path, Body: []byte(`{"a":1}`)}
}

// forwardingError asserts that err wraps a ForwardingError and returns it.
func forwardingError(t *testing.T, err error) *ForwardingError {
	t.Helper()
	var fe *ForwardingError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *ForwardingError", err)
	}
	return fe
}

func TestForward_ComposesHeaders(t *testing.T) {
	var got http.Header
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{}`)
	}, staticToken("tok-1"))

	req := fx.request("/chat/completions")
	req.Header = http.Header{"X-Custom": {"v"}}
	req.ExtraHeaders = map[string]string{"x-trace": "t-1"}

	if _, err := fx.fwd.Forward(req); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	want := map[string]string{
		"Authorization":  "Bearer tok-1",
		"Content-Type":   "application/json",
		"X-Requestor-Id": "team-a",
		"X-Custom":       "v",
		"X-Trace":        "t-1",
	}
	for key, val := range want {
		if got.Get(key) != val {
			t.Errorf("%s = %q, want %q", key, got.Get(key), val)
		}
	}
}

func TestForward_CallerAuthorizationOverridesDefault(t *testing.T) {
	var got string
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{}`)
	}, staticToken("tok-1"))

	req := fx.request("/")
	req.Header = http.Header{"authorization": {"Bearer caller"}}

	if _, err := fx.fwd.Forward(req); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if got != "Bearer caller" {
		t.Errorf("Authorization = %q, want caller value", got)
	}
}

func TestForward_DefaultMethodAndBody(t *testing.T) {
	var method, body string
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		_, _ = io.WriteString(w, `{}`)
	}, staticToken("tok"))

	if _, err := fx.fwd.Forward(fx.request("/")); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if method != http.MethodPost {
		t.Errorf("method = %q, want POST", method)
	}
	if body != `{"a":1}` {
		t.Errorf("body = %q", body)
	}
}

func TestForward_ExplicitMethod(t *testing.T) {
	var method string
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		_, _ = io.WriteString(w, `[]`)
	}, staticToken("tok"))

	req := fx.request("/models")
	req.Method = http.MethodGet
	req.Body = nil

	if _, err := fx.fwd.Forward(req); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if method != http.MethodGet {
		t.Errorf("method = %q, want GET", method)
	}
}

func TestForward_UpstreamErrorStatus(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom")
	}, staticToken("tok"))

	resp, err := fx.fwd.Forward(fx.request("/"))
	if resp != nil {
		t.Errorf("Forward() resp = %+v, want nil", resp)
	}

	fe := forwardingError(t, err)
	if fe.Kind != KindStatus {
		t.Errorf("Kind = %q, want %q", fe.Kind, KindStatus)
	}
	if fe.StatusCode != http.StatusInternalServerError || fe.Status != "Internal Server Error" {
		t.Errorf("status = %d %q", fe.StatusCode, fe.Status)
	}
	if fe.Body != "boom" {
		t.Errorf("Body = %q, want boom", fe.Body)
	}
	if !strings.Contains(fe.Error(), "500 Internal Server Error. Body: boom") {
		t.Errorf("Error() = %q", fe.Error())
	}
}

func TestForwardStream_UpstreamErrorStatus(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	}, staticToken("tok"))

	_, err := fx.fwd.ForwardStream(fx.request("/"))

	fe := forwardingError(t, err)
	if fe.StatusCode != http.StatusTooManyRequests || fe.Body != "slow down" {
		t.Errorf("ForwardingError = %d %q", fe.StatusCode, fe.Body)
	}
}

func TestForward_JSONBodyRoundTrips(t *testing.T) {
	const body = `{"id":"abc","choices":[]}`
	fx := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	}, staticToken("tok"))

	resp, err := fx.fwd.Forward(fx.request("/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK || resp.Status != "OK" {
		t.Errorf("status = %d %q", resp.StatusCode, resp.Status)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("X-Upstream"); got != "yes" {
		t.Errorf("X-Upstream = %q", got)
	}
	if got := resp.Header.Get("Content-Length"); got != "" {
		t.Errorf("Content-Length = %q, want dropped", got)
	}
	if resp.IsStream() {
		t.Error("buffered envelope still carries a stream")
	}
	if !resp.IsJSON() || string(resp.JSON) != body || string(resp.Raw) != body {
		t.Errorf("envelope JSON = %s, Raw = %s", resp.JSON, resp.Raw)
	}
	if got := testutil.ToFloat64(fx.metrics.ResponseShapeWarnings); got != 0 {
		t.Errorf("response_shape_warnings_total = %v, want 0", got)
	}
}

func TestForward_NonJSONBodyFallsBackToText(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "not-json")
	}, staticToken("tok"))

	resp, err := fx.fwd.Forward(fx.request("/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if resp.IsJSON() {
		t.Error("IsJSON() = true for a text body")
	}
	if string(resp.Raw) != "not-json" {
		t.Errorf("Raw = %q", resp.Raw)
	}
	if got := testutil.ToFloat64(fx.metrics.ResponseShapeWarnings); got != 1 {
		t.Errorf("response_shape_warnings_total = %v, want 1", got)
	}
}

func TestForward_BodyTooLarge(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}, staticToken("tok"))

	_, err := fx.fwd.Forward(fx.request("/"))

	if fe := forwardingError(t, err); fe.Kind != KindRead {
		t.Errorf("Kind = %q, want %q", fe.Kind, KindRead)
	}
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("error = %v, want ErrBodyTooLarge", err)
	}
}

func TestBuffer_StreamAnsweredWithText(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "plain answer")
	}, staticToken("tok"))

	req := fx.request("/")
	live, err := fx.fwd.ForwardStream(req)
	if err != nil {
		t.Fatalf("ForwardStream() error = %v", err)
	}

	resp, err := fx.fwd.Buffer(req, live)
	if err != nil {
		t.Fatalf("Buffer() error = %v", err)
	}
	if resp.IsStream() || string(resp.Raw) != "plain answer" || resp.IsJSON() {
		t.Errorf("envelope = stream %v, Raw %q, JSON %v", resp.IsStream(), resp.Raw, resp.IsJSON())
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if got := testutil.ToFloat64(fx.metrics.ResponseShapeWarnings); got != 1 {
		t.Errorf("response_shape_warnings_total = %v, want 1", got)
	}
}

func TestBuffer_BufferedEnvelopeUnchanged(t *testing.T) {
	f := NewForwarder(nil, staticToken("tok"), &config.Config{}, discardLogger(), nil)
	in := &model.UpstreamResponse{StatusCode: http.StatusOK, Raw: []byte("x")}

	out, err := f.Buffer(&model.OutboundRequest{URL: "https://models.example.com"}, in)
	if err != nil {
		t.Fatalf("Buffer() error = %v", err)
	}
	if out != in {
		t.Error("Buffer() replaced an already buffered envelope")
	}
}

func TestBuffer_ReadCanceledMidBody(t *testing.T) {
	proceed := make(chan struct{})
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-proceed:
		}
	}, staticToken("tok"))
	defer close(proceed)

	ctx, cancel := context.WithCancel(context.Background())
	req := fx.request("/")
	req.Ctx = ctx
	live, err := fx.fwd.ForwardStream(req)
	if err != nil {
		t.Fatalf("ForwardStream() error = %v", err)
	}
	cancel()

	_, err = fx.fwd.Buffer(req, live)
	if fe := forwardingError(t, err); fe.Kind != KindCanceled {
		t.Errorf("Kind = %q, want %q", fe.Kind, KindCanceled)
	}
}

func TestForward_CancellationAbortsUpstream(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-time.After(5 * time.Second):
		}
	}, staticToken("tok"))

	ctx, cancel := context.WithCancel(context.Background())
	req := fx.request("/")
	req.Ctx = ctx
	go func() {
		<-started
		cancel()
	}()

	_, err := fx.fwd.Forward(req)

	if fe := forwardingError(t, err); fe.Kind != KindCanceled {
		t.Errorf("Kind = %q, want %q", fe.Kind, KindCanceled)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not aborted")
	}
}

func TestForward_DeadlineIsTimeoutKind(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, staticToken("tok"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := fx.request("/")
	req.Ctx = ctx

	_, err := fx.fwd.Forward(req)

	if fe := forwardingError(t, err); fe.Kind != KindTimeout {
		t.Errorf("Kind = %q, want %q", fe.Kind, KindTimeout)
	}
}

func TestForward_CredentialFailurePropagatesUnchanged(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "bad client")
	}))
	defer oauth.Close()

	mgr := credential.NewManager(&config.Config{OAuth: config.OAuthConfig{
		URL: oauth.URL, ClientID: "id", ClientSecret: "s", GrantType: "client_credentials",
		RequestStyle: config.RequestStyleJSON, TimeoutSeconds: 5,
	}}, discardLogger(), nil)

	var upstreamCalls int32
	fx := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
	}, mgr)

	_, err := fx.fwd.Forward(fx.request("/"))

	var cae *credential.CredentialAcquisitionError
	if !errors.As(err, &cae) {
		t.Fatalf("Forward() error = %v, want *CredentialAcquisitionError", err)
	}
	if cae.StatusCode != http.StatusUnauthorized || cae.Body != "bad client" {
		t.Errorf("CredentialAcquisitionError = %d %q", cae.StatusCode, cae.Body)
	}

	var fe *ForwardingError
	if errors.As(err, &fe) {
		t.Error("credential failure was rewrapped as a ForwardingError")
	}
	if n := atomic.LoadInt32(&upstreamCalls); n != 0 {
		t.Errorf("upstream called %d times, want 0", n)
	}
}

func TestForwardStream_ReturnsLiveBody(t *testing.T) {
	proceed := make(chan struct{})
	fx := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-proceed
		_, _ = io.WriteString(w, "data: second\n\n")
	}, staticToken("tok"))

	resp, err := fx.fwd.ForwardStream(fx.request("/"))
	if err != nil {
		t.Fatalf("ForwardStream() error = %v", err)
	}
	defer func() { _ = resp.Close() }()

	if !resp.IsStream() {
		t.Fatal("IsStream() = false")
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}

	// The first event is readable before the upstream has finished.
	buf := make([]byte, len("data: first\n\n"))
	if _, err := io.ReadFull(resp.Stream, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != "data: first\n\n" {
		t.Errorf("first event = %q", buf)
	}

	close(proceed)
	rest, err := io.ReadAll(resp.Stream)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(rest) != "data: second\n\n" {
		t.Errorf("rest = %q", rest)
	}
}

func TestComposeHeaders_DropsHopByHop(t *testing.T) {
	f := &Forwarder{cfg: &config.Config{Requestor: config.RequestorConfig{ID: "r", Header: "X-Requestor-Id"}}}

	h := f.composeHeaders("tok", http.Header{
		"Connection":     {"keep-alive"},
		"Content-Length": {"12"},
		"Accept":         {"text/event-stream"},
	}, map[string]string{"Content-Type": "application/json; charset=utf-8"})

	for _, key := range []string{"Connection", "Content-Length"} {
		if got := h.Get(key); got != "" {
			t.Errorf("%s = %q, want dropped", key, got)
		}
	}
	want := map[string]string{
		"Accept":         "text/event-stream",
		"Content-Type":   "application/json; charset=utf-8",
		"X-Requestor-Id": "r",
	}
	for key, val := range want {
		if got := h.Get(key); got != val {
			t.Errorf("%s = %q, want %q", key, got, val)
		}
	}
}
