package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"strings"
	"time"
)

const leafValidity = 365 * 24 * time.Hour

// Issuer forges leaf certificates signed by the authority's CA.
//
// Leaves are not cached: every MITM session re-issues a certificate for
// its target domain. Sessions are rare next to relay throughput, so the
// keygen cost is acceptable, and skipping the cache keeps certificate
// lifetime tied to the session that needed it.
type Issuer struct {
	authority *Authority
}

// NewIssuer creates an issuer backed by the given authority. The
// authority must have been ensured before the first issuance.
func NewIssuer(authority *Authority) *Issuer {
	return &Issuer{authority: authority}
}

// IssueFor forges a certificate for domain, signed by the CA. The SAN
// list carries the domain itself plus a wildcard sibling ("*.example.com"
// for "api.example.com") when the domain contains a dot, so sibling
// subdomains validate against the same certificate.
func (i *Issuer) IssueFor(domain string) (*tls.Certificate, error) {
	ca := i.authority.Current()
	if ca == nil {
		return nil, fmt.Errorf("issue certificate for %s: CA not loaded", domain)
	}

	dnsNames := []string{domain}
	if idx := strings.Index(domain, "."); idx >= 0 {
		dnsNames = append(dnsNames, "*"+domain[idx:])
	}

	certDER, key, err := i.create(ca, domain, dnsNames, nil)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate for %s: %w", domain, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// IssueServerPEM forges a server certificate covering the given hosts
// (DNS names or IP literals) and returns it PEM-encoded. Used for the
// management listener's HTTPS certificate so the proxy carries exactly
// one certificate generator.
func (i *Issuer) IssueServerPEM(hosts []string) (certPEM, keyPEM []byte, err error) {
	ca := i.authority.Current()
	if ca == nil {
		return nil, nil, fmt.Errorf("issue server certificate: CA not loaded")
	}
	if len(hosts) == 0 {
		return nil, nil, fmt.Errorf("issue server certificate: no hosts given")
	}

	var dnsNames []string
	var ips []net.IP
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, h)
		}
	}

	certDER, key, err := i.create(ca, hosts[0], dnsNames, ips)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// create generates a key pair and a CA-signed end-entity certificate.
func (i *Issuer) create(ca *CA, commonName string, dnsNames []string, ips []net.IP) ([]byte, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate leaf key for %s: %w", commonName, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, fmt.Errorf("generate leaf serial for %s: %w", commonName, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Rehost"},
			CommonName:   commonName,
		},
		DNSNames:              dnsNames,
		IPAddresses:           ips,
		NotBefore:             now.Add(-5 * time.Minute), // small backdate for clock skew
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("create leaf certificate for %s: %w", commonName, err)
	}

	return certDER, key, nil
}
