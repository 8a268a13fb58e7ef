package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"mtls-chat-proxy/internal/config"
	"mtls-chat-proxy/internal/credential"
)

// Version is a string type for dependency injection of the build version.
type Version string

// CredentialStatus reports the cached credential.
type CredentialStatus interface {
	Status() credential.Status
}

// CertificateExpiry reports when the client certificate expires.
type CertificateExpiry interface {
	NotAfter() time.Time
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	creds   CredentialStatus
	cert    CertificateExpiry
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, creds CredentialStatus, cert CertificateExpiry) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, creds: creds, cert: cert}
}

// statusResponse is the body of GET /proxy/status. No secret material is included.
type statusResponse struct {
	Status            string     `json:"status"`
	Version           string     `json:"version"`
	UpstreamURL       string     `json:"upstream_url"`
	Model             string     `json:"model"`
	CredentialCached  bool       `json:"credential_cached"`
	CredentialExpiry  *time.Time `json:"credential_expiry,omitempty"`
	CertificateExpiry *time.Time `json:"client_certificate_expiry,omitempty"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Model.BaseURL,
		Model:       h.cfg.Model.Name,
	}

	if h.creds != nil {
		st := h.creds.Status()
		resp.CredentialCached = st.Cached
		if !st.Expiry.IsZero() {
			resp.CredentialExpiry = &st.Expiry
		}
	}
	if h.cert != nil {
		if t := h.cert.NotAfter(); !t.IsZero() {
			resp.CertificateExpiry = &t
		}
	}

	return c.JSON(http.StatusOK, resp)
}
