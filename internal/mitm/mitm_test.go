package mitm

import (
	"bufio"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Authority tests ---

func TestAuthority_EnsureCreatesFiles(t *testing.T) {
	dir := t.TempDir()
	a := NewAuthority(dir)

	ca, err := a.Ensure()
	require.NoError(t, err)
	require.NotNil(t, ca)

	_, err = os.Stat(filepath.Join(dir, CACertFile))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, CAKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.True(t, ca.Cert.IsCA)
	assert.Equal(t, "Rehost Root CA", ca.Cert.Subject.CommonName)
	assert.IsType(t, &rsa.PrivateKey{}, ca.Key)
	assert.Equal(t, 2048, ca.Key.N.BitLen())
	assert.NotEmpty(t, ca.Fingerprint)
	assert.NotEmpty(t, ca.CertPEM)

	// 10-year validity (within a day of tolerance).
	validYears := time.Until(ca.NotAfter).Hours() / 24 / 365
	assert.InDelta(t, 10.0, validYears, 0.1)
}

func TestAuthority_EnsureLoadsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := NewAuthority(dir).Ensure()
	require.NoError(t, err)

	second, err := NewAuthority(dir).Ensure()
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.CertPEM, second.CertPEM)
}

func TestAuthority_EnsureIdempotent(t *testing.T) {
	a := NewAuthority(t.TempDir())

	first, err := a.Ensure()
	require.NoError(t, err)
	second, err := a.Ensure()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first, a.Current())
}

func TestAuthority_RegenerateReplacesPair(t *testing.T) {
	a := NewAuthority(t.TempDir())

	old, err := a.Ensure()
	require.NoError(t, err)

	fresh, err := a.Regenerate()
	require.NoError(t, err)

	assert.NotEqual(t, old.Fingerprint, fresh.Fingerprint)
	assert.Same(t, fresh, a.Current())

	// The persisted files now carry the new pair.
	reloaded, err := NewAuthority(filepath.Dir(a.CertPath())).Ensure()
	require.NoError(t, err)
	assert.Equal(t, fresh.Fingerprint, reloaded.Fingerprint)
}

func TestAuthority_EnsureRejectsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CACertFile), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CAKeyFile), []byte("garbage"), 0o600))

	_, err := NewAuthority(dir).Ensure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PEM")
}

func TestAuthority_CurrentNilBeforeEnsure(t *testing.T) {
	a := NewAuthority(t.TempDir())
	assert.Nil(t, a.Current())
}

func TestSHA256Fingerprint_Format(t *testing.T) {
	ca := ensureTestCA(t)

	// 32 bytes = 64 hex chars + 31 colons = 95 chars.
	assert.Len(t, ca.Fingerprint, 95)
	for _, c := range ca.Fingerprint {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || c == ':',
			"unexpected char in fingerprint: %c", c)
	}
}

// --- Issuer tests ---

func TestIssuer_IssueFor(t *testing.T) {
	a := NewAuthority(t.TempDir())
	ca, err := a.Ensure()
	require.NoError(t, err)

	issuer := NewIssuer(a)
	cert, err := issuer.IssueFor("api.example.com")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	leaf := cert.Leaf
	assert.Equal(t, "api.example.com", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "api.example.com")
	assert.Contains(t, leaf.DNSNames, "*.example.com")
	assert.False(t, leaf.IsCA)

	// One-year validity.
	validDays := time.Until(leaf.NotAfter).Hours() / 24
	assert.InDelta(t, 365.0, validDays, 1.0)

	// The leaf chains to the CA.
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "api.example.com"})
	require.NoError(t, err)

	// Sibling subdomains validate via the wildcard SAN.
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "www.example.com"})
	require.NoError(t, err)
}

func TestIssuer_IssueFor_NoDotNoWildcard(t *testing.T) {
	a := NewAuthority(t.TempDir())
	_, err := a.Ensure()
	require.NoError(t, err)

	cert, err := NewIssuer(a).IssueFor("localhost")
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost"}, cert.Leaf.DNSNames)
}

func TestIssuer_NotCached(t *testing.T) {
	a := NewAuthority(t.TempDir())
	_, err := a.Ensure()
	require.NoError(t, err)

	issuer := NewIssuer(a)
	first, err := issuer.IssueFor("example.com")
	require.NoError(t, err)
	second, err := issuer.IssueFor("example.com")
	require.NoError(t, err)

	assert.NotEqual(t, first.Leaf.SerialNumber, second.Leaf.SerialNumber)
}

func TestIssuer_FailsWithoutCA(t *testing.T) {
	issuer := NewIssuer(NewAuthority(t.TempDir()))

	_, err := issuer.IssueFor("example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CA not loaded")
}

func TestIssuer_IssueServerPEM(t *testing.T) {
	a := NewAuthority(t.TempDir())
	ca, err := a.Ensure()
	require.NoError(t, err)

	certPEM, keyPEM, err := NewIssuer(a).IssueServerPEM([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)

	// The pair loads as a usable TLS certificate.
	_, err = tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Contains(t, parsed.DNSNames, "localhost")
	require.Len(t, parsed.IPAddresses, 1)
	assert.True(t, parsed.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	_, err = parsed.Verify(x509.VerifyOptions{Roots: pool, DNSName: "localhost"})
	require.NoError(t, err)
}

// --- Orchestrator tests ---

func TestOrchestrator_InterceptEndToEnd(t *testing.T) {
	a := NewAuthority(t.TempDir())
	ca, err := a.Ensure()
	require.NoError(t, err)

	// Real TLS upstream standing in for the rule's target host.
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "real-target")
		_, _ = io.WriteString(w, "hello from the target")
	}))
	defer upstream.Close()

	_, port, err := net.SplitHostPort(upstream.Listener.Addr().String())
	require.NoError(t, err)

	orch := NewOrchestrator(NewIssuer(a),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		5*time.Second, 5*time.Second)

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close() //nolint:errcheck // test cleanup

	type result struct {
		client, target net.Conn
		err            error
	}
	done := make(chan result, 1)
	go func() {
		c, u, interceptErr := orch.Intercept(proxySide, "secure.example.test", "127.0.0.1", port)
		done <- result{c, u, interceptErr}
	}()

	// The client reads the CONNECT acknowledgment off the raw socket
	// before TLS starts; the proxy's write blocks on a pipe until then.
	ackBuf := make([]byte, len(connectEstablished))
	_, err = io.ReadFull(clientSide, ackBuf)
	require.NoError(t, err)
	require.Equal(t, connectEstablished, string(ackBuf))

	// Handshake trusting our CA, expecting a certificate for the host the
	// client asked for, not the host actually dialed.
	caPool := x509.NewCertPool()
	caPool.AddCert(ca.Cert)
	clientTLS := tls.Client(clientSide, &tls.Config{
		RootCAs:    caPool,
		ServerName: "secure.example.test",
		MinVersion: tls.VersionTLS12,
	})
	require.NoError(t, clientTLS.Handshake())

	forged := clientTLS.ConnectionState().PeerCertificates[0]
	assert.Equal(t, "secure.example.test", forged.Subject.CommonName)
	assert.Contains(t, forged.DNSNames, "*.example.test")

	res := <-done
	require.NoError(t, res.err)
	defer res.client.Close() //nolint:errcheck // test cleanup
	defer res.target.Close() //nolint:errcheck // test cleanup

	// Minimal relay so a request can round-trip through both TLS legs.
	go func() { _, _ = io.Copy(res.target, res.client) }()
	go func() { _, _ = io.Copy(res.client, res.target) }()

	req, err := http.NewRequest(http.MethodGet, "https://secure.example.test/", http.NoBody)
	require.NoError(t, err)
	req.Close = true
	require.NoError(t, req.Write(clientTLS))

	resp, err := http.ReadResponse(bufio.NewReader(clientTLS), req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "real-target", resp.Header.Get("X-Origin"))
	assert.Equal(t, "hello from the target", string(body))
}

func TestOrchestrator_InterceptDialFailure(t *testing.T) {
	a := NewAuthority(t.TempDir())
	_, err := a.Ensure()
	require.NoError(t, err)

	orch := NewOrchestrator(NewIssuer(a),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		500*time.Millisecond, 500*time.Millisecond)

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close() //nolint:errcheck // test cleanup
	defer proxySide.Close()  //nolint:errcheck // test cleanup

	// Port 1 on loopback refuses connections.
	_, _, err = orch.Intercept(proxySide, "secure.example.test", "127.0.0.1", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}

// --- Helpers ---

// ensureTestCA creates a fresh CA in a temp directory.
func ensureTestCA(t *testing.T) *CA {
	t.Helper()
	ca, err := NewAuthority(t.TempDir()).Ensure()
	require.NoError(t, err)
	return ca
}
