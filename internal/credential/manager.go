// Package credential obtains and caches the bearer token used for upstream calls.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"mtls-chat-proxy/internal/config"
	"mtls-chat-proxy/internal/metrics"
)

const exchangeKey = "token"

// Status is a snapshot of the cached credential, safe to expose.
type Status struct {
	Cached bool
	Expiry time.Time // zero when the token endpoint gave no lifetime
}

// Manager holds a single cached bearer token and refreshes it on demand.
// Concurrent cache misses share one exchange.
type Manager struct {
	exchanger Exchanger
	logger    *slog.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	skew      time.Duration
	now       func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	token *oauth2.Token
	gen   uint64 // bumped by Reset; an exchange stores only into its own generation
}

// NewManager creates a Manager for the configured token endpoint.
// The metrics parameter is optional; pass nil to disable exchange metrics.
func NewManager(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return NewManagerWithExchanger(
		NewExchanger(cfg.OAuth, &http.Client{}),
		time.Duration(cfg.OAuth.TimeoutSeconds)*time.Second,
		time.Duration(cfg.OAuth.ExpirySkewSeconds)*time.Second,
		logger, m,
	)
}

// NewManagerWithExchanger creates a Manager around an arbitrary Exchanger.
func NewManagerWithExchanger(x Exchanger, timeout, skew time.Duration, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		exchanger: x,
		logger:    logger.With("component", "credential_manager"),
		metrics:   m,
		timeout:   timeout,
		skew:      skew,
		now:       time.Now,
	}
}

// Token returns the cached access token, performing an exchange on a miss.
//
// The exchange itself is detached from ctx: other callers may be waiting on
// it, so a canceled caller returns ctx.Err() while the exchange completes and
// populates the cache.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok := m.cached(); tok != nil {
		return tok.AccessToken, nil
	}

	ch := m.group.DoChan(exchangeKey, func() (any, error) {
		// A concurrent flight may have finished between the check above and here.
		if tok := m.cached(); tok != nil {
			return tok, nil
		}
		return m.exchange(context.WithoutCancel(ctx), m.generation())
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*oauth2.Token).AccessToken, nil
	}
}

// Reset drops the cached token so the next Token call performs an exchange.
// An exchange already in flight still answers its waiters, but its token is
// not cached and later callers start a new exchange.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.token = nil
	m.gen++
	m.mu.Unlock()
	m.group.Forget(exchangeKey)
	m.logger.Info("cached credential cleared")
}

// Status reports whether a token is cached and when it expires.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return Status{}
	}
	return Status{Cached: true, Expiry: m.token.Expiry}
}

func (m *Manager) generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

// cached returns the stored token if it is still usable.
// Tokens without an expiry never go stale.
func (m *Manager) cached() *oauth2.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return nil
	}
	if !m.token.Expiry.IsZero() && !m.now().Add(m.skew).Before(m.token.Expiry) {
		return nil
	}
	return m.token
}

func (m *Manager) exchange(ctx context.Context, gen uint64) (*oauth2.Token, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := m.now()
	tok, err := m.exchanger.Exchange(ctx)
	if err != nil {
		var cae *CredentialAcquisitionError
		if !errors.As(err, &cae) {
			cae = &CredentialAcquisitionError{Reason: ReasonUnreachable, Err: err}
		}
		m.record(metrics.ExchangeFailure)
		m.logger.Error("oauth token exchange failed",
			"reason", cae.Reason,
			"status", cae.StatusCode,
			"body", cae.Body,
			"err", cae.Err,
		)
		return nil, cae
	}

	m.mu.Lock()
	stale := m.gen != gen
	if !stale {
		m.token = tok
	}
	m.mu.Unlock()

	m.record(metrics.ExchangeSuccess)
	if stale {
		m.logger.Info("oauth token acquired after reset; not cached")
		return tok, nil
	}
	m.logger.Info("oauth token acquired",
		"token_type", tok.Type(),
		"expires_in", tok.ExpiresIn,
		"duration_ms", m.now().Sub(start).Milliseconds(),
	)
	return tok, nil
}

func (m *Manager) record(result string) {
	if m.metrics != nil {
		m.metrics.TokenExchanges.WithLabelValues(result).Inc()
	}
}
