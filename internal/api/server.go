/*
Package api implements the management HTTP API.

It runs on its own listener, separate from the proxy port, and exposes
the rule CRUD operations, the resolved configuration, the CA certificate
for trust-store import, status and session statistics, and a websocket
stream of recent and live log entries. Rule mutations apply to the live
rule table immediately and persist the config file atomically; the proxy
listener never restarts for a rule change.
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ebitani/rehost/internal/config"
	"github.com/ebitani/rehost/internal/logbuf"
	"github.com/ebitani/rehost/internal/mitm"
	"github.com/ebitani/rehost/internal/rules"
	"github.com/ebitani/rehost/internal/stats"
)

// ProxyInfo is the view of the proxy server the status endpoint reports.
type ProxyInfo interface {
	Addr() string
	ConnectionsTotal() int64
	ConnectionsActive() int64
	Uptime() time.Duration
}

// Config holds all dependencies for the management server.
type Config struct {
	// Listen is the management listener address.
	Listen string
	// Store persists configuration changes.
	Store *config.Store
	// Rules is the live rule table shared with the proxy.
	Rules *rules.Table
	// Authority owns the CA material.
	Authority *mitm.Authority
	// Issuer signs the management TLS certificate when HTTPS is enabled.
	Issuer *mitm.Issuer
	// Collector provides in-memory stats. Required.
	Collector *stats.Collector
	// StatsStore provides persisted session history. Nil when disabled.
	StatsStore *stats.Store
	// LogBuffer backs the /api/logs stream. Nil disables the endpoint.
	LogBuffer *logbuf.Buffer
	// Proxy reports listener status.
	Proxy ProxyInfo
	// Logger is the structured logger.
	Logger *slog.Logger
}

// Server is the management API server.
type Server struct {
	store      *config.Store
	rules      *rules.Table
	authority  *mitm.Authority
	issuer     *mitm.Issuer
	collector  *stats.Collector
	statsStore *stats.Store
	logBuffer  *logbuf.Buffer
	proxy      ProxyInfo
	logger     *slog.Logger

	httpServer *http.Server
}

// New creates the management server and wires its routes.
func New(cfg *Config) *Server {
	s := &Server{
		store:      cfg.Store,
		rules:      cfg.Rules,
		authority:  cfg.Authority,
		issuer:     cfg.Issuer,
		collector:  cfg.Collector,
		statsStore: cfg.StatsStore,
		logBuffer:  cfg.LogBuffer,
		proxy:      cfg.Proxy,
		logger:     cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rules", s.handleRulesList)
	mux.HandleFunc("POST /api/rules", s.handleRuleAdd)
	mux.HandleFunc("DELETE /api/rules/{source}", s.handleRuleDelete)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/ca.pem", s.handleCAPEM)
	mux.HandleFunc("POST /api/ca/regenerate", s.handleCARegenerate)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/logs", s.handleLogs)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// ListenAndServe starts the management listener. When HTTPS is enabled
// in the config it serves TLS; empty certificate paths get a
// localhost certificate issued by the CA, persisted under the cert
// directory, and written back to the config file so later starts reuse
// it. The certificate comes from the same issuer the MITM engine uses,
// so importing the CA once covers both surfaces.
func (s *Server) ListenAndServe() error {
	cfg := s.store.Config()

	if !cfg.HTTPS.Enabled {
		s.logger.Info("management API listening", "addr", s.httpServer.Addr, "https", false)
		return s.httpServer.ListenAndServe()
	}

	certPath, keyPath := cfg.HTTPS.CertPath, cfg.HTTPS.KeyPath
	if certPath == "" || keyPath == "" {
		var err error
		certPath, keyPath, err = s.ensureServerCert(cfg.CertDir)
		if err != nil {
			return fmt.Errorf("management TLS setup: %w", err)
		}
		if err := s.store.SetHTTPSPaths(certPath, keyPath); err != nil {
			return err
		}
	}

	s.logger.Info("management API listening",
		"addr", s.httpServer.Addr,
		"https", true,
		"cert", certPath,
	)
	return s.httpServer.ListenAndServeTLS(certPath, keyPath)
}

// ensureServerCert issues and persists a management server certificate
// when none exists yet.
func (s *Server) ensureServerCert(certDir string) (certPath, keyPath string, err error) {
	certPath = filepath.Join(certDir, "cert.pem")
	keyPath = filepath.Join(certDir, "key.pem")

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return certPath, keyPath, nil
	}

	certPEM, keyPEM, err := s.issuer.IssueServerPEM([]string{"localhost", "127.0.0.1"})
	if err != nil {
		return "", "", err
	}

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil { //nolint:gosec // certificate is public
		return "", "", fmt.Errorf("write management certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write management key: %w", err)
	}

	s.logger.Info("management certificate issued", "cert", certPath)
	return certPath, keyPath, nil
}

// Shutdown gracefully stops the management listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
