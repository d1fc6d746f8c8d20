package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ebitani/rehost/internal/rules"
	"github.com/ebitani/rehost/internal/version"
)

// ruleRequest is the body for POST /api/rules.
type ruleRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// rulesResponse is the body for GET /api/rules.
type rulesResponse struct {
	Rules map[string]string `json:"rules"`
	Count int               `json:"count"`
}

// handleRulesList returns the current rule set.
func (s *Server) handleRulesList(w http.ResponseWriter, _ *http.Request) {
	snap := s.rules.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck // best-effort response
	_ = json.NewEncoder(w).Encode(rulesResponse{Rules: snap, Count: len(snap)})
}

// handleRuleAdd inserts or replaces a rule and persists the config.
func (s *Server) handleRuleAdd(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := s.rules.Add(req.Source, req.Target); err != nil {
		if errors.Is(err, rules.ErrInvalidRule) {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		} else {
			// Anything else is a persistence failure.
			s.logger.Error("rule add failed", "source", req.Source, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	s.logger.Info("rule added", "source", req.Source, "target", req.Target)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(req) //nolint:errcheck // best-effort response
}

// handleRuleDelete removes a rule by its source host.
func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	if err := s.rules.Delete(source); err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			http.Error(w, `{"error":"rule not found"}`, http.StatusNotFound)
		} else {
			s.logger.Error("rule delete failed", "source", source, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	s.logger.Info("rule deleted", "source", source)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck // best-effort response
}

// handleConfig returns the resolved running configuration.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.store.Config()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg) //nolint:errcheck // best-effort response
}

// handleCAPEM serves the CA certificate for trust-store import.
func (s *Server) handleCAPEM(w http.ResponseWriter, _ *http.Request) {
	ca := s.authority.Current()
	if ca == nil {
		http.Error(w, `{"error":"CA not initialized"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="ca-cert.pem"`)
	_, _ = w.Write(ca.CertPEM) //nolint:errcheck // best-effort response
}

// handleCARegenerate replaces the CA key pair. Clients must re-import
// the new certificate; MITM sessions started after this call use it.
func (s *Server) handleCARegenerate(w http.ResponseWriter, _ *http.Request) {
	ca, err := s.authority.Regenerate()
	if err != nil {
		s.logger.Error("CA regeneration failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	s.logger.Info("CA regenerated", "fingerprint", ca.Fingerprint)

	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck // best-effort response
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":      "ok",
		"fingerprint": ca.Fingerprint,
		"not_after":   ca.NotAfter.Format(time.RFC3339),
	})
}

// statusResponse is the body for GET /api/status.
type statusResponse struct {
	Version           string `json:"version"`
	ProxyAddr         string `json:"proxy_addr"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ConnectionsTotal  int64  `json:"connections_total"`
	ConnectionsActive int64  `json:"connections_active"`
	RuleCount         int    `json:"rule_count"`
	CAFingerprint     string `json:"ca_fingerprint,omitempty"`
	CANotAfter        string `json:"ca_not_after,omitempty"`
}

// handleStatus reports process and listener status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Version:           version.Version,
		ProxyAddr:         s.proxy.Addr(),
		UptimeSeconds:     int64(s.proxy.Uptime().Seconds()),
		ConnectionsTotal:  s.proxy.ConnectionsTotal(),
		ConnectionsActive: s.proxy.ConnectionsActive(),
		RuleCount:         s.rules.Len(),
	}
	if ca := s.authority.Current(); ca != nil {
		resp.CAFingerprint = ca.Fingerprint
		resp.CANotAfter = ca.NotAfter.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck // best-effort response
}

// statsResponse is the body for GET /api/stats.
type statsResponse struct {
	SessionsTotal  int64               `json:"sessions_total"`
	BytesUp        int64               `json:"bytes_up"`
	BytesDown      int64               `json:"bytes_down"`
	Modes          map[string]int64    `json:"modes"`
	Domains        []DomainCountJSON   `json:"domains"`
	PersistedRows  int64               `json:"persisted_rows,omitempty"`
	RecentSessions []RecentSessionJSON `json:"recent_sessions,omitempty"`
}

// DomainCountJSON mirrors stats.DomainCount for the API payload.
type DomainCountJSON struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// RecentSessionJSON is one persisted session row in the API payload.
type RecentSessionJSON struct {
	ID         string `json:"id"`
	Time       string `json:"time"`
	ClientIP   string `json:"client_ip"`
	Host       string `json:"host"`
	Target     string `json:"target"`
	Mode       string `json:"mode"`
	BytesUp    int64  `json:"bytes_up"`
	BytesDown  int64  `json:"bytes_down"`
	DurationMS int64  `json:"duration_ms"`
}

// handleStats reports in-memory counters plus persisted history when the
// stats store is enabled.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		SessionsTotal: s.collector.TotalSessions(),
		BytesUp:       s.collector.TotalBytesUp(),
		BytesDown:     s.collector.TotalBytesDown(),
		Modes:         s.collector.SnapshotModes(),
	}
	for _, dc := range s.collector.SnapshotDomains() {
		resp.Domains = append(resp.Domains, DomainCountJSON{Domain: dc.Domain, Count: dc.Count})
	}

	if s.statsStore != nil {
		if count, err := s.statsStore.SessionCount(); err == nil {
			resp.PersistedRows = count
		} else {
			s.logger.Error("stats count failed", "error", err)
		}
		if recent, err := s.statsStore.RecentSessions(20); err == nil {
			for i := range recent {
				sess := &recent[i]
				resp.RecentSessions = append(resp.RecentSessions, RecentSessionJSON{
					ID:         sess.ID,
					Time:       sess.Time.Format(time.RFC3339),
					ClientIP:   sess.ClientIP,
					Host:       sess.Host,
					Target:     sess.Target,
					Mode:       sess.Mode,
					BytesUp:    sess.BytesUp,
					BytesDown:  sess.BytesDown,
					DurationMS: sess.DurationMS,
				})
			}
		} else {
			s.logger.Error("stats history failed", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck // best-effort response
}
