package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"mtls-chat-proxy/internal/config"
	"mtls-chat-proxy/internal/credential"
)

type fakeCreds credential.Status

func (f fakeCreds) Status() credential.Status { return credential.Status(f) }

type fakeCert time.Time

func (f fakeCert) NotAfter() time.Time { return time.Time(f) }

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test", nil, nil)
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	tokenExpiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	certExpiry := time.Date(2031, 6, 7, 8, 9, 10, 0, time.UTC)
	cfg := &config.Config{
		Model: config.ModelConfig{BaseURL: "https://models.example.com/v1", Name: "llama-3"},
		OAuth: config.OAuthConfig{ClientSecret: "do-not-leak"},
		TLS:   config.TLSConfig{Passphrase: "do-not-leak"},
	}
	h := NewHealthHandler(cfg, "1.2.3", fakeCreds{Cached: true, Expiry: tokenExpiry}, fakeCert(certExpiry))
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"status":                    "ok",
		"version":                   "1.2.3",
		"upstream_url":              "https://models.example.com/v1",
		"model":                     "llama-3",
		"credential_cached":         true,
		"credential_expiry":         "2030-01-02T03:04:05Z",
		"client_certificate_expiry": "2031-06-07T08:09:10Z",
	}
	for key, v := range want {
		if body[key] != v {
			t.Errorf("body.%s = %v, want %v", key, body[key], v)
		}
	}
	if len(body) != len(want) {
		t.Errorf("body has %d fields, want %d: %v", len(body), len(want), body)
	}
}

func TestStatus_NoCredentialYet(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody), rec)

	h := NewHealthHandler(&config.Config{}, "dev", fakeCreds{}, fakeCert(time.Time{}))
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["credential_cached"] != false {
		t.Errorf("credential_cached = %v, want false", body["credential_cached"])
	}
	if _, ok := body["credential_expiry"]; ok {
		t.Error("credential_expiry should be omitted when no token is cached")
	}
}
