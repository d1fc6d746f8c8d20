package proxy

import (
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"time"
)

// badGateway is the best-effort error line written to the client when
// the target leg cannot be established.
const badGateway = "HTTP/1.1 502 Bad Gateway\r\n\r\n"

// connectEstablished acknowledges a CONNECT before the relay starts.
// The write must complete before any tunnel bytes flow.
const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleConn owns one accepted client connection end to end.
func (s *Server) handleConn(conn net.Conn) {
	s.connectionsTotal.Add(1)
	s.connectionsActive.Add(1)
	defer s.connectionsActive.Add(-1)
	defer func() { _ = conn.Close() }()

	req, err := readHead(conn)
	if err != nil {
		// Framing errors get no response; the peer either went away or
		// sent something that is not HTTP.
		if !errors.Is(err, io.EOF) {
			s.logger.Warn("dropping connection: bad request head",
				"remote", conn.RemoteAddr().String(),
				"error", err,
			)
		}
		return
	}

	clientIP := stripPort(conn.RemoteAddr().String())
	s.logger.Debug("request",
		"method", req.Method,
		"target", truncate(req.Target, 100),
		"remote", conn.RemoteAddr().String(),
	)

	if req.Method == "CONNECT" {
		s.handleConnect(conn, req, clientIP)
		return
	}
	s.handleForward(conn, req, clientIP)
}

// handleConnect dispatches a CONNECT to MITM interception or a
// passthrough tunnel. The decision is made once, before any bytes are
// exchanged with the target: a rule hit means the client must be shown
// a forged certificate for the host it asked for, a miss means raw
// passthrough.
func (s *Server) handleConnect(conn net.Conn, req *RawRequest, clientIP string) {
	host, port := splitHostPort(req.Target)
	resolved := s.rules.Resolve(host)
	start := time.Now()

	if resolved != host {
		s.logger.Info("connect intercepted",
			"host", host,
			"target", resolved,
			"port", port,
			"remote", clientIP,
		)

		client, upstream, err := s.orchestrator.Intercept(conn, host, resolved, port)
		if err != nil {
			s.logger.Error("mitm setup failed",
				"host", host,
				"target", resolved,
				"error", err,
			)
			_, _ = conn.Write([]byte(badGateway)) //nolint:errcheck // best-effort
			return
		}

		up, down := relay(client, upstream, s.idleTimeout)
		s.finishSession(clientIP, host, resolved, ModeMITM, up, down, start)
		return
	}

	target, err := dialTunnel(host, port, s.connectTimeout, s.handshakeTimeout)
	if err != nil {
		s.logger.Error("tunnel setup failed",
			"host", host,
			"port", port,
			"error", err,
		)
		_, _ = conn.Write([]byte(badGateway)) //nolint:errcheck // best-effort
		return
	}

	if _, err := conn.Write([]byte(connectEstablished)); err != nil {
		_ = target.Close()
		return
	}

	s.logger.Info("tunnel established",
		"host", host,
		"port", port,
		"remote", clientIP,
	)

	up, down := relay(conn, target, s.idleTimeout)
	s.finishSession(clientIP, host, host, ModeTunnel, up, down, start)
}

// handleForward forwards a plain (non-CONNECT) request. The original
// byte stream (request line, headers, and any buffered body bytes) goes
// to the target verbatim, except that a rule hit rewrites the request
// authority (request-line URL and Host header). Responses are relayed
// back without any parsing.
func (s *Server) handleForward(conn net.Conn, req *RawRequest, clientIP string) {
	authority, originForm := req.Target, false
	var path string

	if u, err := url.Parse(req.Target); err == nil && u.Host != "" {
		authority = u.Host
		path = u.RequestURI()
	} else {
		// Origin-form target: the Host header supplies the authority.
		originForm = true
		authority = req.Host()
		if authority == "" {
			s.logger.Warn("dropping request: no authority",
				"method", req.Method,
				"target", truncate(req.Target, 100),
			)
			return
		}
	}

	host := stripPort(authority)
	resolved := s.rules.Resolve(authority)
	mapped := resolved != host
	start := time.Now()

	dialHost, dialPort := host, "80"
	if !mapped {
		if _, p, err := net.SplitHostPort(authority); err == nil {
			dialPort = p
		} else if strings.HasPrefix(req.Target, "https://") {
			dialPort = "443"
		}
	} else {
		// Mapped targets are reached over plain HTTP on the default
		// port; rule targets are bare hostnames.
		dialHost = resolved
	}

	head := req.Head
	if mapped {
		s.logger.Info("forward mapped",
			"method", req.Method,
			"host", host,
			"target", resolved,
			"remote", clientIP,
		)
		head = rewriteHead(req, resolved, originForm, path)
	}

	target, err := net.DialTimeout("tcp", net.JoinHostPort(dialHost, dialPort), s.connectTimeout)
	if err != nil {
		s.logger.Error("forward dial failed",
			"host", dialHost,
			"port", dialPort,
			"error", err,
		)
		_, _ = conn.Write([]byte(badGateway)) //nolint:errcheck // best-effort
		return
	}

	if _, err := target.Write(head); err != nil {
		_ = target.Close()
		return
	}
	if len(req.Remainder) > 0 {
		if _, err := target.Write(req.Remainder); err != nil {
			_ = target.Close()
			return
		}
	}

	up, down := relay(conn, target, s.idleTimeout)
	s.finishSession(clientIP, host, dialHost, ModeForward, up, down, start)
}

// rewriteHead rebuilds the raw request head with the authority swapped
// to the resolved host. All other header bytes pass through untouched.
func rewriteHead(req *RawRequest, resolved string, originForm bool, path string) []byte {
	requestLine := req.Method + " " + req.Target
	if !originForm {
		// Absolute-form: rewrite the URL authority and force the scheme
		// the proxy dials with.
		if path == "" {
			path = "/"
		}
		requestLine = req.Method + " http://" + resolved + path
	}
	if req.Proto != "" {
		requestLine += " " + req.Proto
	}

	var b strings.Builder
	b.WriteString(requestLine)
	b.WriteString("\r\n")
	for _, line := range req.HeaderLines {
		if name, _, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "host") {
			b.WriteString("Host: ")
			b.WriteString(resolved)
		} else {
			b.WriteString(line)
		}
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// finishSession logs and records a completed connection session.
func (s *Server) finishSession(clientIP, host, target, mode string, up, down int64, start time.Time) {
	duration := time.Since(start)
	s.logger.Debug("session closed",
		"mode", mode,
		"host", host,
		"target", target,
		"bytes_up", up,
		"bytes_down", down,
		"duration_ms", duration.Milliseconds(),
	)
	if s.onSession != nil {
		s.onSession(clientIP, host, target, mode, up, down, duration)
	}
}

// truncate shortens a string for log fields.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
