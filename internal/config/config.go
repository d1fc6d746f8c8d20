/*
Package config handles the rehost configuration file, validation, and
CLI flag merging.

The file is JSON: it is the same config.json the management API rewrites
on every rule change, so its schema is an external contract. Resolution
order (highest priority first):

 1. CLI flags (explicitly passed)
 2. Config file values
 3. Built-in defaults
*/
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for rehostd.
type Config struct {
	ProxyRules map[string]string `json:"proxy_rules" yaml:"proxy_rules"`
	ListenHost string            `json:"listen_host" yaml:"listen_host"`
	Port       int               `json:"port" yaml:"port"`
	HTTPS      HTTPS             `json:"https" yaml:"https"`
	LogLevel   string            `json:"log_level" yaml:"log_level"`
	CertDir    string            `json:"cert_dir" yaml:"cert_dir"`
	LogDir     string            `json:"log_dir" yaml:"log_dir"`
	Timeouts   Timeouts          `json:"timeouts" yaml:"timeouts"`
	Management Management        `json:"management" yaml:"management"`
	Stats      Stats             `json:"stats" yaml:"stats"`
}

// HTTPS configures the management listener's TLS. When enabled with
// empty paths, a certificate is issued from the CA and the paths are
// written back here.
type HTTPS struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertPath string `json:"cert_path" yaml:"cert_path"`
	KeyPath  string `json:"key_path" yaml:"key_path"`
}

// Timeouts holds proxy timeout configuration.
type Timeouts struct {
	Connect   Duration `json:"connect" yaml:"connect"`
	Handshake Duration `json:"handshake" yaml:"handshake"`
	Idle      Duration `json:"idle" yaml:"idle"`
	Shutdown  Duration `json:"shutdown" yaml:"shutdown"`
}

// Management holds management API configuration.
type Management struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// Stats holds session statistics configuration.
type Stats struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	DataDir       string   `json:"data_dir" yaml:"data_dir"`
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval"`
}

// logLevels maps the config enum to slog levels. WARNING (not WARN)
// matches the values existing config files carry.
var logLevels = map[string]slog.Level{
	"DEBUG":   slog.LevelDebug,
	"INFO":    slog.LevelInfo,
	"WARNING": slog.LevelWarn,
	"ERROR":   slog.LevelError,
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		ProxyRules: map[string]string{},
		ListenHost: "127.0.0.1",
		Port:       8080,
		LogLevel:   "INFO",
		CertDir:    ".certs",
		LogDir:     "logs",
		Timeouts: Timeouts{
			Connect:   Duration{10 * time.Second},
			Handshake: Duration{5 * time.Second},
			Idle:      Duration{10 * time.Second},
			Shutdown:  Duration{5 * time.Second},
		},
		Management: Management{
			Enabled: true,
			Listen:  "127.0.0.1:8081",
		},
		Stats: Stats{
			Enabled:       true,
			DataDir:       ".",
			FlushInterval: Duration{60 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it over the defaults.
// If path is empty, it searches for rehost.json in the working
// directory. Returns the parsed config and the path that was loaded
// (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	if _, err := os.Stat("rehost.json"); err == nil {
		return "rehost.json"
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config
// file values. A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	ListenHost *string
	Port       *int
	LogDir     *string
	CertDir    *string
	LogLevel   *string
	MgmtListen *string
}

// Merge applies CLI flag overrides to a loaded config. Only
// explicitly-set flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.ListenHost != nil {
		c.ListenHost = *o.ListenHost
	}
	if o.Port != nil {
		c.Port = *o.Port
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.CertDir != nil {
		c.CertDir = *o.CertDir
	}
	if o.LogLevel != nil {
		c.LogLevel = *o.LogLevel
	}
	if o.MgmtListen != nil {
		c.Management.Listen = *o.MgmtListen
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port: must be 1-65535, got %d", c.Port))
	}

	if _, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(c.ListenHost, "0")); err != nil {
		errs = append(errs, fmt.Sprintf("listen_host: invalid host %q: %v", c.ListenHost, err))
	}

	if _, ok := logLevels[c.LogLevel]; !ok {
		errs = append(errs, fmt.Sprintf("log_level: must be one of DEBUG, INFO, WARNING, ERROR; got %q", c.LogLevel))
	}

	for source, target := range c.ProxyRules {
		if err := validateHost(source); err != nil {
			errs = append(errs, fmt.Sprintf("proxy_rules: invalid source %q: %v", source, err))
		}
		if err := validateHost(target); err != nil {
			errs = append(errs, fmt.Sprintf("proxy_rules[%q]: invalid target %q: %v", source, target, err))
		}
	}

	if c.Timeouts.Connect.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.connect: must be positive, got %s", c.Timeouts.Connect))
	}
	if c.Timeouts.Handshake.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.handshake: must be positive, got %s", c.Timeouts.Handshake))
	}
	if c.Timeouts.Idle.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.idle: must be positive, got %s", c.Timeouts.Idle))
	}
	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}

	if c.Management.Enabled {
		if _, err := net.ResolveTCPAddr("tcp", c.Management.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("management.listen: invalid address %q: %v", c.Management.Listen, err))
		}
	}

	if c.HTTPS.Enabled && (c.HTTPS.CertPath == "") != (c.HTTPS.KeyPath == "") {
		errs = append(errs, "https: cert_path and key_path must be set together (or both left empty for auto-generation)")
	}

	if c.Stats.Enabled && c.Stats.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("stats.flush_interval: must be positive, got %s", c.Stats.FlushInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// validateHost rejects rule hosts that cannot be a bare hostname.
// Scheme prefixes are tolerated (they are stripped at load).
func validateHost(h string) error {
	if idx := strings.Index(h, "://"); idx >= 0 {
		h = h[idx+3:]
	}
	if h == "" || strings.ContainsAny(h, "/ *") {
		return fmt.Errorf("not a hostname")
	}
	return nil
}

// Level returns the slog level for the configured log_level.
func (c *Config) Level() slog.Level {
	if lvl, ok := logLevels[c.LogLevel]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// ListenAddr returns the proxy listener address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, fmt.Sprintf("%d", c.Port))
}

// DumpYAML renders the resolved config as YAML for human reading
// (the file itself stays JSON).
func (c *Config) DumpYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
