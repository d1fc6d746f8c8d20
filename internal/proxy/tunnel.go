package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// dialTunnel opens the target leg of a passthrough tunnel: a raw TCP
// connection, wrapped in a client TLS session when the port is 443 so
// the connection shape matches what a browser would have produced. No
// certificate forgery happens on this path, and upstream verification is
// relaxed just like the MITM leg (the target is user-configured).
func dialTunnel(host, port string, connectTimeout, handshakeTimeout time.Duration) (net.Conn, error) {
	raw, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s:%s: %w", host, port, err)
	}

	if port != "443" {
		return raw, nil
	}

	tlsConn := tls.Client(raw, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, //nolint:gosec // upstream trust is delegated to the user's rule, by contract
		MinVersion:         tls.VersionTLS12,
	})

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", host, err)
	}

	return tlsConn, nil
}
