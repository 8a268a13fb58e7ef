// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/chat-proxy/config.toml",
	"configs/config.toml",
}

// Request styles accepted by oauth.request_style.
const (
	RequestStyleJSON = "json"
	RequestStyleForm = "form"
)

const defaultRequestorHeader = "X-Requestor-Id"

// CLI holds command-line arguments parsed by Kong.
// The upper-case env names match the variables the deployment already exports.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	ModelBaseURL string `kong:"help='Upstream model base URL.',env='MODEL_BASE_URL'"`
	ModelName    string `kong:"help='Upstream model name.',env='MODEL_NAME'"`

	OAuthURL          string `kong:"name='oauth-url',help='OAuth token endpoint.',env='OAUTH_URL'"`
	OAuthClientID     string `kong:"name='oauth-client-id',help='OAuth client id.',env='OAUTH_CLIENT_ID'"`
	OAuthClientSecret string `kong:"name='oauth-client-secret',help='OAuth client secret.',env='OAUTH_CLIENT_SECRET'"`
	OAuthGrantType    string `kong:"name='oauth-grant-type',help='OAuth grant type.',env='OAUTH_GRANT_TYPE'"`
	OAuthScope        string `kong:"name='oauth-scope',help='OAuth scope.',env='OAUTH_SCOPE'"`
	OAuthResource     string `kong:"name='oauth-resource',help='OAuth resource identifier.',env='OAUTH_RESOURCE'"`

	RequestorID string `kong:"help='Value of the requestor identity header.',env='REQUESTOR_ID'"`

	SSLKey        string `kong:"name='ssl-key',help='Client private key (PEM).',env='SSL_KEY'"`
	SSLCert       string `kong:"name='ssl-cert',help='Client certificate (PEM).',env='SSL_CERT'"`
	SSLPassphrase string `kong:"name='ssl-passphrase',help='Client private key passphrase.',env='SSL_PASSPHRASE'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Model     ModelConfig     `toml:"model"`
	OAuth     OAuthConfig     `toml:"oauth"`
	Requestor RequestorConfig `toml:"requestor"`
	TLS       TLSConfig       `toml:"tls"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Chat      ChatConfig      `toml:"chat"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ModelConfig describes the OpenAI-compatible upstream and sampling parameters.
// Pointer fields distinguish an explicit zero from an omitted key.
type ModelConfig struct {
	BaseURL          string   `toml:"base_url"`
	Name             string   `toml:"name"`
	Buffered         bool     `toml:"buffered"` // request non-streamed completions
	FrequencyPenalty *float64 `toml:"frequency_penalty"`
	MaxTokens        *int     `toml:"max_tokens"`
	Temperature      *float64 `toml:"temperature"`
	TopP             *float64 `toml:"top_p"`
}

// OAuthConfig holds the client-credentials exchange settings.
type OAuthConfig struct {
	URL               string `toml:"url"`
	ClientID          string `toml:"client_id"`
	ClientSecret      string `toml:"client_secret"`
	GrantType         string `toml:"grant_type"`
	Scope             string `toml:"scope"`
	Resource          string `toml:"resource"`
	RequestStyle      string `toml:"request_style"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	ExpirySkewSeconds int    `toml:"expiry_skew_seconds"`
}

// RequestorConfig holds the requestor identity header sent upstream.
type RequestorConfig struct {
	ID     string `toml:"id"`
	Header string `toml:"header"`
}

// TLSConfig holds the client identity used for mutual TLS.
// Key and Cert carry inline PEM; KeyFile and CertFile point at PEM files.
type TLSConfig struct {
	Key                string `toml:"key"`
	Cert               string `toml:"cert"`
	KeyFile            string `toml:"key_file"`
	CertFile           string `toml:"cert_file"`
	Passphrase         string `toml:"passphrase"`
	CAFile             string `toml:"ca_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	Watch              bool   `toml:"watch"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	IdleConnections     int   `toml:"idle_connections"`
	DialTimeoutSeconds  int   `toml:"dial_timeout_seconds"`
	MaxBufferedBodySize int64 `toml:"max_buffered_body_bytes"`
}

// ChatConfig holds settings for the /api/chat endpoint.
type ChatConfig struct {
	MaxDurationSeconds int `toml:"max_duration_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI and environment overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/chat-proxy/config.toml then configs/config.toml. If neither exists the
// configuration is taken from flags and environment alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	override(&c.Server.Host, cli.Host)
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	override(&c.Log.Level, cli.LogLevel)

	override(&c.Model.BaseURL, cli.ModelBaseURL)
	override(&c.Model.Name, cli.ModelName)

	override(&c.OAuth.URL, cli.OAuthURL)
	override(&c.OAuth.ClientID, cli.OAuthClientID)
	override(&c.OAuth.ClientSecret, cli.OAuthClientSecret)
	override(&c.OAuth.GrantType, cli.OAuthGrantType)
	override(&c.OAuth.Scope, cli.OAuthScope)
	override(&c.OAuth.Resource, cli.OAuthResource)

	override(&c.Requestor.ID, cli.RequestorID)

	override(&c.TLS.Key, cli.SSLKey)
	override(&c.TLS.Cert, cli.SSLCert)
	override(&c.TLS.Passphrase, cli.SSLPassphrase)
}

func (c *Config) validate() error {
	// Model upstream: required and must be HTTPS (the client identity is only
	// presented over TLS).
	if c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}
	u, err := url.Parse(c.Model.BaseURL)
	if err != nil {
		return fmt.Errorf("model.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("model.base_url must use HTTPS; got %q", c.Model.BaseURL)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Model.MaxTokens != nil && *c.Model.MaxTokens <= 0 {
		return fmt.Errorf("model.max_tokens must be > 0; got %d", *c.Model.MaxTokens)
	}

	// OAuth.
	if c.OAuth.URL == "" {
		return fmt.Errorf("oauth.url is required")
	}
	ou, err := url.Parse(c.OAuth.URL)
	if err != nil {
		return fmt.Errorf("oauth.url is not a valid URL: %w", err)
	}
	if ou.Scheme != "https" && ou.Scheme != "http" {
		return fmt.Errorf("oauth.url must be an http(s) URL; got %q", c.OAuth.URL)
	}
	if c.OAuth.ClientID == "" {
		return fmt.Errorf("oauth.client_id is required")
	}
	if c.OAuth.ClientSecret == "" {
		return fmt.Errorf("oauth.client_secret is required")
	}
	style := strings.ToLower(c.OAuth.RequestStyle)
	switch style {
	case RequestStyleJSON, "":
		if c.OAuth.GrantType == "" {
			return fmt.Errorf("oauth.grant_type is required for the json request style")
		}
	case RequestStyleForm:
		if c.OAuth.GrantType != "" && c.OAuth.GrantType != "client_credentials" {
			return fmt.Errorf("oauth.grant_type must be client_credentials for the form request style; got %q", c.OAuth.GrantType)
		}
	default:
		return fmt.Errorf("oauth.request_style must be one of: json, form; got %q", c.OAuth.RequestStyle)
	}
	if c.OAuth.TimeoutSeconds < 0 {
		return fmt.Errorf("oauth.timeout_seconds must be non-negative; got %d", c.OAuth.TimeoutSeconds)
	}
	if c.OAuth.ExpirySkewSeconds < 0 {
		return fmt.Errorf("oauth.expiry_skew_seconds must be non-negative; got %d", c.OAuth.ExpirySkewSeconds)
	}

	if c.Requestor.ID == "" {
		return fmt.Errorf("requestor.id is required")
	}

	// Client identity: inline PEM or files, never both.
	if c.TLS.Key != "" && c.TLS.KeyFile != "" {
		return fmt.Errorf("tls.key and tls.key_file are mutually exclusive")
	}
	if c.TLS.Cert != "" && c.TLS.CertFile != "" {
		return fmt.Errorf("tls.cert and tls.cert_file are mutually exclusive")
	}
	if c.TLS.Key == "" && c.TLS.KeyFile == "" {
		return fmt.Errorf("tls.key or tls.key_file is required")
	}
	if c.TLS.Cert == "" && c.TLS.CertFile == "" {
		return fmt.Errorf("tls.cert or tls.cert_file is required")
	}
	if c.TLS.Watch && (c.TLS.KeyFile == "" || c.TLS.CertFile == "") {
		return fmt.Errorf("tls.watch requires tls.key_file and tls.cert_file")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}
	if c.Upstream.MaxBufferedBodySize < 0 {
		return fmt.Errorf("upstream.max_buffered_body_bytes must be non-negative; got %d", c.Upstream.MaxBufferedBodySize)
	}
	if c.Chat.MaxDurationSeconds < 0 {
		return fmt.Errorf("chat.max_duration_seconds must be non-negative; got %d", c.Chat.MaxDurationSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/api/chat", "/v1", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	c.Model.BaseURL = strings.TrimSuffix(c.Model.BaseURL, "/")
	if c.Model.FrequencyPenalty == nil {
		c.Model.FrequencyPenalty = ptr(1.0)
	}
	if c.Model.MaxTokens == nil {
		c.Model.MaxTokens = ptr(1024)
	}
	if c.Model.Temperature == nil {
		c.Model.Temperature = ptr(0.9)
	}
	if c.Model.TopP == nil {
		c.Model.TopP = ptr(0.9)
	}
	c.OAuth.RequestStyle = strings.ToLower(c.OAuth.RequestStyle)
	if c.OAuth.RequestStyle == "" {
		c.OAuth.RequestStyle = RequestStyleJSON
	}
	if c.OAuth.TimeoutSeconds == 0 {
		c.OAuth.TimeoutSeconds = 30
	}
	if c.OAuth.ExpirySkewSeconds == 0 {
		c.OAuth.ExpirySkewSeconds = 10
	}
	if c.Requestor.Header == "" {
		c.Requestor.Header = defaultRequestorHeader
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Upstream.MaxBufferedBodySize == 0 {
		c.Upstream.MaxBufferedBodySize = 32 * 1024 * 1024 // 32 MB
	}
	if c.Chat.MaxDurationSeconds == 0 {
		c.Chat.MaxDurationSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func ptr[T any](v T) *T { return &v }

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file typically carries the OAuth client secret and key passphrase.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnInsecure logs a warning when server certificate validation is disabled.
func (c *Config) WarnInsecure(logger *slog.Logger) {
	if c.TLS.InsecureSkipVerify {
		logger.Warn("upstream server certificate validation is disabled (tls.insecure_skip_verify); a spoofed upstream will receive the bearer credential and client identity",
			"upstream_url", c.Model.BaseURL,
		)
	}
}
