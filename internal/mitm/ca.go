/*
Package mitm implements TLS interception for the proxy.

It provides the persistent Certificate Authority, on-demand leaf
certificate issuance for intercepted domains, and the dual-handshake
orchestration that terminates the client's TLS session while originating
a separate TLS session to the real target.
*/
package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// CACertFile and CAKeyFile are the fixed file names under the cert
	// directory. They are the import contract with OS/browser trust
	// stores, so they never change.
	CACertFile = "ca-cert.pem"
	CAKeyFile  = "ca-key.pem"

	caValidity = 10 * 365 * 24 * time.Hour
)

// CA holds a loaded Certificate Authority certificate and private key.
type CA struct {
	Cert        *x509.Certificate
	Key         *rsa.PrivateKey
	CertPEM     []byte // raw PEM bytes, served at /api/ca.pem
	Fingerprint string // SHA-256 fingerprint (hex, colon-separated)
	NotAfter    time.Time
}

// Authority owns the CA key material on disk and in memory. Many
// connection handlers read the current pair concurrently; regeneration
// swaps it under a write lock so no handler observes the CA mid-rotation.
type Authority struct {
	certPath string
	keyPath  string

	mu  sync.RWMutex
	cur *CA
}

// NewAuthority creates an authority rooted at certDir. No I/O happens
// until Ensure is called.
func NewAuthority(certDir string) *Authority {
	return &Authority{
		certPath: filepath.Join(certDir, CACertFile),
		keyPath:  filepath.Join(certDir, CAKeyFile),
	}
}

// CertPath returns the on-disk path of the CA certificate.
func (a *Authority) CertPath() string { return a.certPath }

// Ensure loads the persisted CA pair, generating and persisting a fresh
// one only when neither file exists yet. Unparseable persisted material
// is returned as an error rather than silently regenerated: a user may
// already have trusted the old certificate, and replacing it behind
// their back would be worse than failing startup.
func (a *Authority) Ensure() (*CA, error) {
	a.mu.RLock()
	if a.cur != nil {
		ca := a.cur
		a.mu.RUnlock()
		return ca, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur != nil {
		return a.cur, nil
	}

	_, certErr := os.Stat(a.certPath)
	_, keyErr := os.Stat(a.keyPath)
	if certErr == nil && keyErr == nil {
		ca, err := loadCA(a.certPath, a.keyPath)
		if err != nil {
			return nil, err
		}
		a.cur = ca
		return ca, nil
	}

	ca, err := a.generateLocked()
	if err != nil {
		return nil, err
	}
	a.cur = ca
	return ca, nil
}

// Current returns the loaded CA pair. Ensure must have succeeded first.
func (a *Authority) Current() *CA {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur
}

// Regenerate deletes the persisted pair and creates a new one. This is
// an explicit, user-invoked operation; in-flight MITM sessions finish on
// the old pair, new sessions pick up the new one.
func (a *Authority) Regenerate() (*CA, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range []string{a.certPath, a.keyPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove %s: %w", p, err)
		}
	}

	ca, err := a.generateLocked()
	if err != nil {
		return nil, err
	}
	a.cur = ca
	return ca, nil
}

// generateLocked creates a fresh self-signed CA and persists it.
// Caller holds the write lock.
func (a *Authority) generateLocked() (*CA, error) {
	if err := os.MkdirAll(filepath.Dir(a.certPath), 0o750); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate CA serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Rehost CA"},
			CommonName:   "Rehost Root CA",
		},
		NotBefore:             now.Add(-1 * time.Hour), // backdated to avoid clock skew issues
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(a.certPath, certPEM, 0o644); err != nil { //nolint:gosec // CA cert is public, not secret
		return nil, fmt.Errorf("write CA certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(a.keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse generated CA certificate: %w", err)
	}

	return &CA{
		Cert:        cert,
		Key:         key,
		CertPEM:     certPEM,
		Fingerprint: sha256Fingerprint(certDER),
		NotAfter:    cert.NotAfter,
	}, nil
}

// loadCA reads a CA certificate and private key from PEM files.
func loadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate %s: %w", certPath, err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("CA certificate %s: invalid PEM (expected CERTIFICATE block)", certPath)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate %s: %w", certPath, err)
	}

	if !cert.IsCA {
		return nil, fmt.Errorf("CA certificate %s: not a CA certificate (BasicConstraints CA flag not set)", certPath)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key %s: %w", keyPath, err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("CA key %s: invalid PEM (expected RSA PRIVATE KEY block)", keyPath)
	}

	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key %s: %w", keyPath, err)
	}

	return &CA{
		Cert:        cert,
		Key:         key,
		CertPEM:     certPEM,
		Fingerprint: sha256Fingerprint(cert.Raw),
		NotAfter:    cert.NotAfter,
	}, nil
}

// sha256Fingerprint returns the SHA-256 fingerprint of DER-encoded certificate bytes.
func sha256Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	out := make([]byte, 0, len(sum)*3-1)
	for i, b := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, "0123456789abcdef"[b>>4], "0123456789abcdef"[b&0xf])
	}
	return string(out)
}

// randomSerial generates a random 128-bit serial number for certificates.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
