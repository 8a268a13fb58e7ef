package client

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/youmark/pkcs8"

	"mtls-chat-proxy/internal/config"
)

// ErrMissingPassphrase is returned for an encrypted key with no passphrase configured.
var ErrMissingPassphrase = errors.New("client private key is encrypted but no passphrase is configured")

// Identity holds the client certificate presented during the mTLS handshake.
// Reload swaps the certificate atomically; connections opened afterwards use
// the new one.
type Identity struct {
	cfg    config.TLSConfig
	logger *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
}

// LoadIdentity parses the configured client key pair.
func LoadIdentity(cfg *config.Config, logger *slog.Logger) (*Identity, error) {
	id := &Identity{
		cfg:    cfg.TLS,
		logger: logger.With("component", "client_identity"),
	}
	if err := id.Reload(); err != nil {
		return nil, err
	}
	return id, nil
}

// Reload re-reads the key pair from configuration. On failure the previous
// certificate stays in use.
func (id *Identity) Reload() error {
	certPEM, err := material(id.cfg.Cert, id.cfg.CertFile)
	if err != nil {
		return fmt.Errorf("client certificate: %w", err)
	}
	keyPEM, err := material(id.cfg.Key, id.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("client private key: %w", err)
	}

	cert, err := ParseKeyPair(certPEM, keyPEM, id.cfg.Passphrase)
	if err != nil {
		return err
	}

	id.mu.Lock()
	id.cert = &cert
	id.mu.Unlock()

	id.logger.Info("client certificate loaded",
		"subject", cert.Leaf.Subject.String(),
		"not_after", cert.Leaf.NotAfter,
	)
	return nil
}

// GetClientCertificate implements tls.Config.GetClientCertificate.
func (id *Identity) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.cert, nil
}

// NotAfter returns the expiry of the current client certificate.
func (id *Identity) NotAfter() time.Time {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.cert == nil || id.cert.Leaf == nil {
		return time.Time{}
	}
	return id.cert.Leaf.NotAfter
}

// material returns inline PEM or the contents of path.
func material(inline, path string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return data, nil
	}
	// Environment variables frequently carry PEM with escaped newlines.
	if !strings.Contains(inline, "\n") && strings.Contains(inline, `\n`) {
		inline = strings.ReplaceAll(inline, `\n`, "\n")
	}
	return []byte(inline), nil
}

// ParseKeyPair builds a tls.Certificate from PEM data. The key may be
// unencrypted, encrypted PKCS#8, or a legacy RFC 1423 encrypted PEM block.
func ParseKeyPair(certPEM, keyPEM []byte, passphrase string) (tls.Certificate, error) {
	keyPEM, err := decryptKey(keyPEM, passphrase)
	if err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse client key pair: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("parse client certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return cert, nil
}

// decryptKey returns keyPEM with its private key block in unencrypted form.
func decryptKey(keyPEM []byte, passphrase string) ([]byte, error) {
	rest := keyPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			// No key block; let tls.X509KeyPair report it.
			return keyPEM, nil
		}

		switch {
		case block.Type == "ENCRYPTED PRIVATE KEY":
			if passphrase == "" {
				return nil, ErrMissingPassphrase
			}
			key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
			if err != nil {
				return nil, fmt.Errorf("decrypt PKCS#8 private key: %w", err)
			}
			der, err := x509.MarshalPKCS8PrivateKey(key)
			if err != nil {
				return nil, fmt.Errorf("re-encode private key: %w", err)
			}
			return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil

		//nolint:staticcheck // RFC 1423 keys are insecure but still issued by some PKIs.
		case x509.IsEncryptedPEMBlock(block):
			if passphrase == "" {
				return nil, ErrMissingPassphrase
			}
			der, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
			if err != nil {
				return nil, fmt.Errorf("decrypt PEM private key: %w", err)
			}
			return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil

		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			return keyPEM, nil
		}
	}
}
