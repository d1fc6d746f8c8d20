package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1", cfg.ListenHost)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, ".certs", cfg.CertDir)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Connect.Duration)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Handshake.Duration)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Idle.Duration)
	assert.True(t, cfg.Management.Enabled)
	assert.Equal(t, "127.0.0.1:8081", cfg.Management.Listen)
	assert.False(t, cfg.HTTPS.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rehost.json")
	content := `{
		"proxy_rules": {"example.com": "other.com"},
		"listen_host": "0.0.0.0",
		"port": 9090,
		"log_level": "DEBUG",
		"timeouts": {"idle": "30s"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded)

	assert.Equal(t, map[string]string{"example.com": "other.com"}, cfg.ProxyRules)
	assert.Equal(t, "0.0.0.0", cfg.ListenHost)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Idle.Duration)

	// Values the file omits keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Connect.Duration)
	assert.Equal(t, ".certs", cfg.CertDir)
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rehost.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, loaded, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, loaded)
	assert.Equal(t, 8080, cfg.Port)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	cfg.LogLevel = "TRACE"
	cfg.ProxyRules = map[string]string{"bad host": "other.com"}
	cfg.Timeouts.Idle = Duration{-1 * time.Second}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port:")
	assert.Contains(t, err.Error(), "log_level:")
	assert.Contains(t, err.Error(), "proxy_rules:")
	assert.Contains(t, err.Error(), "timeouts.idle:")
}

func TestValidate_HTTPSPathsTogether(t *testing.T) {
	cfg := Default()
	cfg.HTTPS.Enabled = true
	cfg.HTTPS.CertPath = "/some/cert.pem"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cert_path and key_path")

	// Both empty means auto-generation: valid.
	cfg.HTTPS.CertPath = ""
	require.NoError(t, cfg.Validate())

	// Both set: valid.
	cfg.HTTPS.CertPath = "/some/cert.pem"
	cfg.HTTPS.KeyPath = "/some/key.pem"
	require.NoError(t, cfg.Validate())
}

func TestMerge_OnlyExplicitFlags(t *testing.T) {
	cfg := Default()
	cfg.Port = 9999

	host := "0.0.0.0"
	level := "ERROR"
	cfg.Merge(CLIOverrides{
		ListenHost: &host,
		LogLevel:   &level,
	})

	assert.Equal(t, "0.0.0.0", cfg.ListenHost)
	assert.Equal(t, "ERROR", cfg.LogLevel)
	// Unset overrides leave file values alone.
	assert.Equal(t, 9999, cfg.Port)
}

func TestLevel(t *testing.T) {
	cfg := Default()

	cfg.LogLevel = "DEBUG"
	assert.Equal(t, slog.LevelDebug, cfg.Level())

	cfg.LogLevel = "WARNING"
	assert.Equal(t, slog.LevelWarn, cfg.Level())

	cfg.LogLevel = "bogus"
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	cfg.ListenHost = "0.0.0.0"
	cfg.Port = 3128

	assert.Equal(t, "0.0.0.0:3128", cfg.ListenAddr())
}

func TestDuration_Unmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"2m30s"`), &d))
	assert.Equal(t, 150*time.Second, d.Duration)

	require.Error(t, json.Unmarshal([]byte(`"eleventy"`), &d))
	require.Error(t, json.Unmarshal([]byte(`5000`), &d))
}

func TestDumpYAML(t *testing.T) {
	cfg := Default()
	cfg.ProxyRules = map[string]string{"example.com": "other.com"}

	out, err := cfg.DumpYAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "listen_host: 127.0.0.1")
	assert.Contains(t, string(out), "example.com: other.com")
	assert.Contains(t, string(out), "idle: 10s")
}

func TestStore_SetRulesPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rehost.json")
	cfg := Default()
	store := NewStore(path, cfg)

	require.NoError(t, store.SetRules(map[string]string{"example.com": "other.com"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk Config
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, map[string]string{"example.com": "other.com"}, onDisk.ProxyRules)
	assert.Equal(t, 8080, onDisk.Port)
}

func TestStore_SetHTTPSPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rehost.json")
	store := NewStore(path, Default())

	require.NoError(t, store.SetHTTPSPaths("/certs/cert.pem", "/certs/key.pem"))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/certs/cert.pem", cfg.HTTPS.CertPath)
	assert.Equal(t, "/certs/key.pem", cfg.HTTPS.KeyPath)
}

func TestStore_ConfigReturnsCopy(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "rehost.json"), Default())

	got := store.Config()
	got.ProxyRules["injected.com"] = "evil.com"
	got.Port = 1

	assert.Empty(t, store.Config().ProxyRules)
	assert.Equal(t, 8080, store.Config().Port)
}

func TestStore_OverwriteIsAtomicRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rehost.json")
	store := NewStore(path, Default())

	require.NoError(t, store.SetRules(map[string]string{"a.com": "b.com"}))
	require.NoError(t, store.SetRules(map[string]string{"c.com": "d.com"}))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c.com": "d.com"}, cfg.ProxyRules)

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rehost.json", entries[0].Name())
}
