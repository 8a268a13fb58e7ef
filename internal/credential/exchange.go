package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"mtls-chat-proxy/internal/config"
)

const (
	// maxErrorBody bounds how much of a failed token response is kept.
	maxErrorBody = 64 * 1024
	// maxTokenBody is the read limit x/oauth2 applies to token responses.
	maxTokenBody = 1 << 20
)

// Exchanger performs a single client-credentials token exchange.
type Exchanger interface {
	Exchange(ctx context.Context) (*oauth2.Token, error)
}

// NewExchanger returns the exchanger matching cfg.RequestStyle.
func NewExchanger(cfg config.OAuthConfig, httpClient *http.Client) Exchanger {
	if cfg.RequestStyle == config.RequestStyleForm {
		return newFormExchanger(cfg, httpClient)
	}
	return &jsonExchanger{cfg: cfg, httpClient: httpClient}
}

// jsonExchanger posts the client credentials as a JSON object.
type jsonExchanger struct {
	cfg        config.OAuthConfig
	httpClient *http.Client
}

type jsonTokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Scope        string `json:"scope"`
	Resource     string `json:"resource"`
}

type jsonTokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (x *jsonExchanger) Exchange(ctx context.Context) (*oauth2.Token, error) {
	payload, err := json.Marshal(jsonTokenRequest{
		ClientID:     x.cfg.ClientID,
		ClientSecret: x.cfg.ClientSecret,
		GrantType:    x.cfg.GrantType,
		Scope:        x.cfg.Scope,
		Resource:     x.cfg.Resource,
	})
	if err != nil {
		return nil, &CredentialAcquisitionError{Reason: ReasonMalformed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, &CredentialAcquisitionError{Reason: ReasonUnreachable, Err: fmt.Errorf("build token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, &CredentialAcquisitionError{Reason: ReasonUnreachable, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &CredentialAcquisitionError{
			Reason:     ReasonStatus,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	var tr jsonTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, &CredentialAcquisitionError{Reason: ReasonMalformed, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &CredentialAcquisitionError{Reason: ReasonMissingToken}
	}

	tok := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
	}
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		tok.ExpiresIn = secs
		tok.Expiry = time.Now().Add(time.Duration(secs) * time.Second)
	}
	return tok, nil
}

// formExchanger uses the RFC 6749 form-encoded request via x/oauth2.
type formExchanger struct {
	cc         *clientcredentials.Config
	httpClient *http.Client
}

func newFormExchanger(cfg config.OAuthConfig, httpClient *http.Client) *formExchanger {
	params := url.Values{}
	if cfg.Resource != "" {
		params.Set("resource", cfg.Resource)
	}
	return &formExchanger{
		cc: &clientcredentials.Config{
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			TokenURL:       cfg.URL,
			Scopes:         strings.Fields(cfg.Scope),
			EndpointParams: params,
			AuthStyle:      oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}
}

func (x *formExchanger) Exchange(ctx context.Context) (*oauth2.Token, error) {
	capture := &responseCapture{base: x.httpClient.Transport}
	hc := *x.httpClient
	hc.Transport = capture
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &hc)

	tok, err := x.cc.Token(ctx)
	if err == nil {
		return tok, nil
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		body := re.Body
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &CredentialAcquisitionError{Reason: ReasonStatus, StatusCode: status, Body: string(body), Err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return nil, &CredentialAcquisitionError{Reason: ReasonUnreachable, Err: err}
	}
	// A 2xx answer x/oauth2 could not use: decide from the body itself.
	return nil, &CredentialAcquisitionError{Reason: classifyTokenBody(capture.contentType, capture.body), Err: err}
}

// classifyTokenBody tells a well-formed token response without an
// access_token apart from one that cannot be decoded. Form and text/plain
// bodies are parsed as query strings, everything else as JSON, matching
// x/oauth2.
func classifyTokenBody(contentType string, body []byte) Reason {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "application/x-www-form-urlencoded", "text/plain":
		vals, err := url.ParseQuery(string(body))
		if err == nil && vals.Get("access_token") == "" {
			return ReasonMissingToken
		}
	default:
		var tr jsonTokenResponse
		if err := json.Unmarshal(body, &tr); err == nil && tr.AccessToken == "" {
			return ReasonMissingToken
		}
	}
	return ReasonMalformed
}

// responseCapture keeps a copy of the last successful token response body.
type responseCapture struct {
	base        http.RoundTripper
	contentType string
	body        []byte
}

func (c *responseCapture) RoundTrip(req *http.Request) (*http.Response, error) {
	base := c.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	c.contentType = resp.Header.Get("Content-Type")
	c.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
