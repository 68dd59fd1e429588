// Package ca owns the root certificate authority used for TLS interception
// and issues per-host leaf certificates signed by it.
package ca

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/natefinch/atomic"
	"golang.org/x/sync/singleflight"
)

// Leaf certificates are valid for one year and back-dated to tolerate
// client clock skew.
const (
	leafValidity = 365 * 24 * time.Hour
	clockSkew    = time.Hour
)

// CertGenerationError reports a failed leaf certificate for Host.
type CertGenerationError struct {
	Host  string
	Cause error
}

func (e *CertGenerationError) Error() string {
	return fmt.Sprintf("failed to generate certificate for %s: %v", e.Host, e.Cause)
}

func (e *CertGenerationError) Unwrap() error {
	return e.Cause
}

type authority struct {
	cert    *x509.Certificate
	key     crypto.Signer
	certPEM []byte
}

// Manager issues leaf certificates from the root CA. Leaves are cached by
// host until the root rotates.
type Manager struct {
	cfg config.CAConfig

	mu         sync.RWMutex
	root       *authority
	leaves     map[string]*tls.Certificate
	generation uint64

	group singleflight.Group
	now   func() time.Time
	// onIssue is called after a leaf was generated.
	onIssue func(host string, elapsed time.Duration, err error)
}

// LoadOrCreate loads the root CA from the configured files, or generates
// and persists a new one when the certificate file does not exist.
func LoadOrCreate(cfg config.CAConfig) (*Manager, error) {
	m := newManager(cfg)

	certPEM, err := os.ReadFile(cfg.CertFile)
	switch {
	case err == nil:
		keyPEM, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA key file: %w", err)
		}
		root, err := parseAuthority(certPEM, keyPEM, cfg.KeyPassword)
		if err != nil {
			return nil, err
		}
		m.root = root
		logger.Info("Loaded root CA %q (valid until %s)", root.cert.Subject.CommonName, root.cert.NotAfter.Format(time.DateOnly))
	case errors.Is(err, os.ErrNotExist):
		if err := m.install(); err != nil {
			return nil, err
		}
		logger.Info("Generated new root CA at %s", cfg.CertFile)
	default:
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	return m, nil
}

// NewInMemory creates a manager with a fresh root CA that is never written
// to disk.
func NewInMemory(cfg config.CAConfig) (*Manager, error) {
	cfg.CertFile, cfg.KeyFile = "", ""
	m := newManager(cfg)
	root, err := generateRoot(m.cfg, m.now())
	if err != nil {
		return nil, err
	}
	m.root = root
	return m, nil
}

func newManager(cfg config.CAConfig) *Manager {
	if cfg.Organization == "" {
		cfg.Organization = "umleitung"
	}
	if cfg.ValidYears <= 0 {
		cfg.ValidYears = 10
	}
	return &Manager{
		cfg:    cfg,
		leaves: make(map[string]*tls.Certificate),
		now:    time.Now,
	}
}

// OnIssue registers a callback for leaf generation.
func (m *Manager) OnIssue(fn func(host string, elapsed time.Duration, err error)) {
	m.mu.Lock()
	m.onIssue = fn
	m.mu.Unlock()
}

// install generates a root, writes it to the configured files and activates
// it. Managers without a certificate file keep the root in memory only.
func (m *Manager) install() error {
	root, err := generateRoot(m.cfg, m.now())
	if err != nil {
		return err
	}
	if m.cfg.CertFile != "" {
		keyPEM, err := encodeKeyPEM(root.key, m.cfg.KeyPassword)
		if err != nil {
			return err
		}
		if err := atomic.WriteFile(m.cfg.KeyFile, bytes.NewReader(keyPEM)); err != nil {
			return fmt.Errorf("failed to write CA key file: %w", err)
		}
		if err := atomic.WriteFile(m.cfg.CertFile, bytes.NewReader(root.certPEM)); err != nil {
			return fmt.Errorf("failed to write CA certificate file: %w", err)
		}
	}

	m.mu.Lock()
	m.root = root
	m.leaves = make(map[string]*tls.Certificate)
	m.generation++
	m.mu.Unlock()
	return nil
}

// Rotate replaces the root CA and drops every cached leaf.
func (m *Manager) Rotate() error {
	if err := m.install(); err != nil {
		return err
	}
	logger.Info("Root CA rotated")
	return nil
}

// CertPEM returns the PEM encoded root certificate.
func (m *Manager) CertPEM() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return bytes.Clone(m.root.certPEM)
}

// Certificate returns the parsed root certificate.
func (m *Manager) Certificate() *x509.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root.cert
}

// CacheSize returns the number of cached leaf certificates.
func (m *Manager) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.leaves)
}

// IssueLeafCert returns the leaf certificate for host (a port is ignored).
// Concurrent callers for the same uncached host share one generation.
func (m *Manager) IssueLeafCert(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)
	if host == "" {
		return nil, &CertGenerationError{Host: host, Cause: errors.New("empty host")}
	}

	m.mu.RLock()
	cert, ok := m.leaves[host]
	m.mu.RUnlock()
	if ok {
		return cert, nil
	}

	v, err, _ := m.group.Do(host, func() (any, error) {
		m.mu.RLock()
		if cert, ok := m.leaves[host]; ok {
			m.mu.RUnlock()
			return cert, nil
		}
		root, generation, onIssue := m.root, m.generation, m.onIssue
		m.mu.RUnlock()

		start := m.now()
		cert, err := issueLeaf(root, host, start)
		if onIssue != nil {
			onIssue(host, time.Since(start), err)
		}
		if err != nil {
			return nil, &CertGenerationError{Host: host, Cause: err}
		}

		m.mu.Lock()
		// a leaf signed by a rotated root is returned but not cached
		if m.generation == generation {
			m.leaves[host] = cert
		}
		m.mu.Unlock()
		logger.Debug("Generated certificate for %s", host)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// GetCertificate serves tls.Config.GetCertificate using the SNI name.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return m.GetCertificateFor("")(hello)
}

// GetCertificateFor returns a GetCertificate callback that falls back to
// fallbackHost (typically the CONNECT target) when the client sent no SNI.
func (m *Manager) GetCertificateFor(fallbackHost string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		host := hello.ServerName
		if host == "" {
			host = fallbackHost
		}
		if host == "" {
			return nil, &CertGenerationError{Host: "", Cause: errors.New("no SNI hostname and no fallback host")}
		}
		return m.IssueLeafCert(host)
	}
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	return strings.ToLower(host)
}

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func generateRoot(cfg config.CAConfig, now time.Time) (*authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cfg.Organization + " Root CA",
			Organization: []string{cfg.Organization},
		},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.AddDate(cfg.ValidYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &authority{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der}),
	}, nil
}

func parseAuthority(certPEM, keyPEM []byte, password string) (*authority, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != pemTypeCertificate {
		return nil, errors.New("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("configured CA certificate is not a CA")
	}
	key, err := decodeKeyPEM(keyPEM, password)
	if err != nil {
		return nil, err
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, errors.New("CA key does not match CA certificate")
	}
	return &authority{cert: cert, key: key, certPEM: pem.EncodeToMemory(block)}, nil
}

func issueLeaf(root *authority, host string, now time.Time) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-clockSkew),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}
	if tmpl.NotAfter.After(root.cert.NotAfter) {
		tmpl.NotAfter = root.cert.NotAfter
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, root.cert, key.Public(), root.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, root.cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
