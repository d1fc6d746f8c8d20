package mitm

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// connectEstablished is written to the client before its socket is
// reinterpreted as a TLS record stream. The write must complete before
// the server-side handshake starts.
const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Orchestrator performs the dual TLS handshake for an intercepted
// CONNECT: it terminates TLS toward the client with a forged certificate
// for the host the client asked for, and originates TLS toward the host
// the rule resolved to.
type Orchestrator struct {
	issuer           *Issuer
	logger           *slog.Logger
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
}

// NewOrchestrator creates an orchestrator. Zero timeouts get defaults
// (connect 10s, handshake 5s).
func NewOrchestrator(issuer *Issuer, logger *slog.Logger, connectTimeout, handshakeTimeout time.Duration) *Orchestrator {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	return &Orchestrator{
		issuer:           issuer,
		logger:           logger,
		connectTimeout:   connectTimeout,
		handshakeTimeout: handshakeTimeout,
	}
}

// Intercept runs the MITM sequence for a CONNECT whose host resolved to
// a different target. originalHost is what the client believes it is
// talking to (and what the forged certificate claims); targetHost is
// what actually gets dialed. On success both returned connections carry
// established TLS sessions ready for relaying; the caller owns closing
// them. On error nothing is left open and the caller should best-effort
// a 502 to the client.
//
// Upstream certificate verification is intentionally disabled: the
// target is whatever the user configured, and the proxy acts as their
// delegate. Do not "fix" this to strict verification.
func (o *Orchestrator) Intercept(clientConn net.Conn, originalHost, targetHost, port string) (net.Conn, net.Conn, error) {
	rawUpstream, err := net.DialTimeout("tcp", net.JoinHostPort(targetHost, port), o.connectTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s:%s: %w", targetHost, port, err)
	}

	upstream := tls.Client(rawUpstream, &tls.Config{
		ServerName:         targetHost,
		InsecureSkipVerify: true, //nolint:gosec // upstream trust is delegated to the user's rule, by contract
		MinVersion:         tls.VersionTLS12,
	})
	if err := o.handshake(upstream); err != nil {
		_ = rawUpstream.Close()
		return nil, nil, fmt.Errorf("upstream TLS handshake with %s: %w", targetHost, err)
	}

	leaf, err := o.issuer.IssueFor(originalHost)
	if err != nil {
		_ = upstream.Close()
		return nil, nil, fmt.Errorf("forge certificate: %w", err)
	}

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		_ = upstream.Close()
		return nil, nil, fmt.Errorf("write CONNECT response: %w", err)
	}

	client := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
	})
	if err := o.handshake(client); err != nil {
		_ = upstream.Close()
		return nil, nil, fmt.Errorf("client TLS handshake as %s: %w", originalHost, err)
	}

	o.logger.Info("mitm session established",
		"original_host", originalHost,
		"target_host", targetHost,
		"port", port,
	)

	return client, upstream, nil
}

// handshake runs a TLS handshake bounded by the configured timeout.
func (o *Orchestrator) handshake(conn *tls.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.handshakeTimeout)
	defer cancel()
	return conn.HandshakeContext(ctx)
}
