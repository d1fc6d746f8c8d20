package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store owns the persisted copy of the configuration. Rule mutations
// from the management API funnel through it so every change rewrites the
// whole file atomically (write to a temp file in the same directory,
// then rename over the original).
type Store struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// NewStore wraps a resolved config and the path it persists to. If no
// config file existed at startup, path names where one will be created
// on the first mutation.
func NewStore(path string, cfg Config) *Store {
	return &Store{path: path, cfg: cfg}
}

// Path returns the config file path.
func (s *Store) Path() string {
	return s.path
}

// Config returns a copy of the current configuration.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// SetRules replaces the persisted rule mapping and rewrites the file.
func (s *Store) SetRules(rules map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[string]string, len(rules))
	for k, v := range rules {
		m[k] = v
	}
	s.cfg.ProxyRules = m
	return s.saveLocked()
}

// SetHTTPSPaths records the paths of an auto-generated management
// certificate so later starts reuse it instead of issuing a new one.
func (s *Store) SetHTTPSPaths(certPath, keyPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.HTTPS.CertPath = certPath
	s.cfg.HTTPS.KeyPath = keyPath
	return s.saveLocked()
}

// copyLocked duplicates the config including its rule map.
func (s *Store) copyLocked() Config {
	out := s.cfg
	out.ProxyRules = make(map[string]string, len(s.cfg.ProxyRules))
	for k, v := range s.cfg.ProxyRules {
		out.ProxyRules[k] = v
	}
	return out
}

// saveLocked writes the whole config file atomically. Caller holds mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".rehost-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace config %s: %w", s.path, err)
	}
	return nil
}
