/*
Package proxy implements the intercepting HTTP/HTTPS proxy engine.

A raw TCP listener accepts both proxy-style requests (absolute-form
URLs and CONNECT) and origin-form requests. Each accepted connection is
handled by its own goroutine: the request head is framed and minimally
parsed, CONNECT requests are dispatched to MITM interception or a
passthrough tunnel depending on whether a domain rule applies, and
everything else is forwarded byte-verbatim with the authority rewritten.
All paths end in a byte-transparent bidirectional relay.
*/
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitani/rehost/internal/mitm"
	"github.com/ebitani/rehost/internal/rules"
)

// Session modes recorded per handled connection.
const (
	ModeMITM    = "mitm"
	ModeTunnel  = "tunnel"
	ModeForward = "forward"
)

// SessionFunc receives the summary of a completed connection session.
type SessionFunc func(clientIP, host, target, mode string, bytesUp, bytesDown int64, duration time.Duration)

// Config holds proxy server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:8080").
	ListenAddr string
	// Logger is the structured logger to use. If nil, a default is created.
	Logger *slog.Logger
	// Rules is the live rule table consulted for every connection.
	Rules *rules.Table
	// Orchestrator performs MITM interception for mapped CONNECTs.
	Orchestrator *mitm.Orchestrator
	// ConnectTimeout bounds upstream TCP connects. Zero uses 10s.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds each TLS handshake. Zero uses 5s.
	HandshakeTimeout time.Duration
	// IdleTimeout bounds how long a relay may sit with no data moving
	// in either direction. Zero uses 10s.
	IdleTimeout time.Duration
	// OnSession is called after each connection completes. Optional.
	OnSession SessionFunc
}

// Server is the intercepting proxy.
type Server struct {
	logger           *slog.Logger
	rules            *rules.Table
	orchestrator     *mitm.Orchestrator
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	onSession        SessionFunc

	listenAddr string
	listener   net.Listener
	startTime  time.Time

	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64

	mu       sync.Mutex
	shutdown bool
}

// New creates a proxy server from cfg.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Second
	}

	return &Server{
		logger:           logger,
		rules:            cfg.Rules,
		orchestrator:     cfg.Orchestrator,
		connectTimeout:   connectTimeout,
		handshakeTimeout: handshakeTimeout,
		idleTimeout:      idleTimeout,
		onSession:        cfg.OnSession,
		listenAddr:       cfg.ListenAddr,
		startTime:        time.Now(),
	}
}

// ListenAndServe binds the listener and accepts connections until
// Shutdown closes it. Every accepted connection gets its own goroutine;
// the accept loop is the only serialized point.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("proxy listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return net.ErrClosed
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// Addr returns the bound listener address, or the configured one before
// ListenAndServe has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.listenAddr
}

// Shutdown stops accepting and waits for in-flight connections to
// finish, up to the context deadline. In-flight relays are not
// interrupted; they end on their own terms (peer close or idle timeout).
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.connectionsActive.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// ConnectionsTotal returns the total number of connections handled.
func (s *Server) ConnectionsTotal() int64 {
	return s.connectionsTotal.Load()
}

// ConnectionsActive returns the number of currently active connections.
func (s *Server) ConnectionsActive() int64 {
	return s.connectionsActive.Load()
}

// Uptime returns the duration since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// stripPort removes the port from a host:port string, tolerating
// bracketed IPv6 literals. Inputs without a port come back as-is.
func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
