/*
Rehost - local domain-rewriting MITM proxy.

Usage:

	rehostd [flags]
	rehostd version
	rehostd ca regenerate [flags]
	rehostd config dump [flags]
	rehostd config validate [flags]
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ebitani/rehost/internal/api"
	"github.com/ebitani/rehost/internal/config"
	"github.com/ebitani/rehost/internal/logbuf"
	"github.com/ebitani/rehost/internal/logging"
	"github.com/ebitani/rehost/internal/mitm"
	"github.com/ebitani/rehost/internal/proxy"
	"github.com/ebitani/rehost/internal/rules"
	"github.com/ebitani/rehost/internal/stats"
	"github.com/ebitani/rehost/internal/version"
)

var (
	// CLI flags — these override config file values when explicitly set.
	flagConfigPath string
	flagListenHost string
	flagPort       int
	flagLogDir     string
	flagCertDir    string
	flagLogLevel   string
	flagMgmtListen string
)

var rootCmd = &cobra.Command{
	Use:   "rehostd",
	Short: "Rehost - local domain-rewriting MITM proxy",
	RunE:  runProxy,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Certificate authority management",
}

var caRegenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Replace the CA key pair and exit",
	Long: "Replace the CA key pair and exit. Clients must re-import the new\n" +
		"certificate into their trust store.",
	RunE: runCARegenerate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: rehost.json in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagCertDir, "cert-dir", "", "directory for CA and server certificates")

	rootCmd.Flags().StringVar(&flagListenHost, "listen", "", "proxy listen host")
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "proxy listen port")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (DEBUG, INFO, WARNING, ERROR)")
	rootCmd.Flags().StringVar(&flagMgmtListen, "mgmt-listen", "", "management API listen address")

	caCmd.AddCommand(caRegenerateCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
// The returned path is where mutations will be persisted; it defaults to
// rehost.json in the working directory when no file existed.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, cfgPath, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	} else {
		cfgPath = "rehost.json"
	}

	// Build CLI overrides — only include flags that were explicitly set.
	overrides := config.CLIOverrides{}

	if cmd.Flags().Changed("listen") {
		overrides.ListenHost = &flagListenHost
	}
	if cmd.Flags().Changed("port") {
		overrides.Port = &flagPort
	}
	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("cert-dir") {
		overrides.CertDir = &flagCertDir
	}
	if cmd.Flags().Changed("log-level") {
		overrides.LogLevel = &flagLogLevel
	}
	if cmd.Flags().Changed("mgmt-listen") {
		overrides.MgmtListen = &flagMgmtListen
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, cfgPath, err
	}

	return cfg, cfgPath, nil
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var logBuffer *logbuf.Buffer
	if cfg.Management.Enabled {
		logBuffer = logbuf.New(1000)
	}

	logger, cleanup := logging.Setup(logging.Config{
		LogDir: cfg.LogDir,
		Level:  cfg.Level(),
		Buffer: logBuffer,
	})
	defer cleanup()

	// The CA must be usable before any connection is accepted; a broken
	// CA directory is a startup failure, not a per-connection one.
	authority := mitm.NewAuthority(cfg.CertDir)
	ca, err := authority.Ensure()
	if err != nil {
		return fmt.Errorf("certificate authority: %w", err)
	}
	logger.Info("CA ready",
		"path", authority.CertPath(),
		"fingerprint", ca.Fingerprint,
		"not_after", ca.NotAfter,
	)

	issuer := mitm.NewIssuer(authority)
	orchestrator := mitm.NewOrchestrator(issuer, logger,
		cfg.Timeouts.Connect.Duration, cfg.Timeouts.Handshake.Duration)

	// The live rule table persists every mutation back to the config
	// file through the store.
	store := config.NewStore(cfgPath, cfg)
	table := rules.New(cfg.ProxyRules)
	table.SetOnChange(store.SetRules)

	collector := stats.NewCollector()

	var statsStore *stats.Store
	if cfg.Stats.Enabled {
		statsPath := filepath.Join(cfg.Stats.DataDir, "stats.db")
		statsStore, err = stats.Open(statsPath, collector, logger, cfg.Stats.FlushInterval.Duration)
		if err != nil {
			return fmt.Errorf("open stats db: %w", err)
		}
		defer statsStore.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)

		logger.Info("stats database initialized",
			"path", statsPath,
			"flush_interval", cfg.Stats.FlushInterval.Duration,
		)
	}

	srv := proxy.New(&proxy.Config{
		ListenAddr:       cfg.ListenAddr(),
		Logger:           logger,
		Rules:            table,
		Orchestrator:     orchestrator,
		ConnectTimeout:   cfg.Timeouts.Connect.Duration,
		HandshakeTimeout: cfg.Timeouts.Handshake.Duration,
		IdleTimeout:      cfg.Timeouts.Idle.Duration,
		OnSession:        collector.RecordSession,
	})

	var mgmt *api.Server
	if cfg.Management.Enabled {
		mgmt = api.New(&api.Config{
			Listen:     cfg.Management.Listen,
			Store:      store,
			Rules:      table,
			Authority:  authority,
			Issuer:     issuer,
			Collector:  collector,
			StatsStore: statsStore,
			LogBuffer:  logBuffer,
			Proxy:      srv,
			Logger:     logger,
		})
	}

	if statsStore != nil {
		statsStore.Start()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("proxy starting",
			"version", version.Full(),
			"addr", cfg.ListenAddr(),
			"rules", table.Len(),
			"log_dir", cfg.LogDir,
			"management_enabled", cfg.Management.Enabled,
			"stats_enabled", cfg.Stats.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("proxy server error", "error", err)
			os.Exit(1)
		}
	}()

	if mgmt != nil {
		go func() {
			if err := mgmt.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("management server error", "error", err)
				os.Exit(1)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if mgmt != nil {
		if err := mgmt.Shutdown(shutdownCtx); err != nil {
			logger.Error("management shutdown error", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	// Stats store close (with final flush) happens via defer above.

	logger.Info("proxy stopped")
	return nil
}

func runCARegenerate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	authority := mitm.NewAuthority(cfg.CertDir)
	ca, err := authority.Regenerate()
	if err != nil {
		return fmt.Errorf("regenerate CA: %w", err)
	}

	fmt.Printf("CA regenerated: %s\n", authority.CertPath())
	fmt.Printf("  fingerprint: %s\n", ca.Fingerprint)
	fmt.Printf("  valid until: %s\n", ca.NotAfter.Format("2006-01-02"))
	fmt.Println("Import the new certificate into your trust store.")
	return nil
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.DumpYAML()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}
