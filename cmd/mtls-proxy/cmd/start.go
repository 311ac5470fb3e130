package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sreymja/mtls-proxy/internal/audit"
	"github.com/sreymja/mtls-proxy/internal/config"
	"github.com/sreymja/mtls-proxy/internal/controlapi"
	"github.com/sreymja/mtls-proxy/internal/forwarder"
	"github.com/sreymja/mtls-proxy/internal/metrics"
	"github.com/sreymja/mtls-proxy/internal/ratelimit"
	"github.com/sreymja/mtls-proxy/internal/requestlog"
	"github.com/sreymja/mtls-proxy/internal/server"
	"github.com/sreymja/mtls-proxy/internal/tlsclient"
)

const auditDBPath = "/var/lib/mtls-proxy/audit.db"

var (
	flagHost              string
	flagPort              int
	flagTargetURL         string
	flagClientCert        string
	flagClientKey         string
	flagCACert            string
	flagNoVerifyHostname  bool
	flagTimeout           int
	flagLogLevel          string
	flagVerbose           bool
	flagShowConfig        bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringVar(&flagHost, "host", "", "bind host (overrides config)")
	startCmd.Flags().IntVar(&flagPort, "port", 0, "bind port (overrides config)")
	startCmd.Flags().StringVar(&flagTargetURL, "target-url", "", "upstream base URL (overrides config)")
	startCmd.Flags().StringVar(&flagClientCert, "client-cert", "", "client certificate path (overrides config)")
	startCmd.Flags().StringVar(&flagClientKey, "client-key", "", "client key path (overrides config)")
	startCmd.Flags().StringVar(&flagCACert, "ca-cert", "", "CA bundle path (overrides config)")
	startCmd.Flags().BoolVar(&flagNoVerifyHostname, "no-verify-hostname", false, "disable upstream hostname verification (test/dev only)")
	startCmd.Flags().IntVar(&flagTimeout, "timeout", 0, "upstream request timeout in seconds (overrides config)")
	startCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	startCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "enable verbose logging")
	startCmd.Flags().BoolVar(&flagShowConfig, "show-config", false, "print the resolved configuration and exit")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := newLogger(flagLogLevel, flagVerbose)

	cfg, err := config.LoadConfigRaw()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration failed validation", "error", err)
		os.Exit(1)
	}

	if flagShowConfig {
		fmt.Printf("%+v\n", *cfg)
		return nil
	}

	auditStore, err := audit.Open(auditDBPath)
	if err != nil {
		logger.Error("failed to open audit log store", "error", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	reqLog, err := requestlog.Open(cfg.Logging.SQLiteDBPath)
	if err != nil {
		logger.Error("failed to open request log store", "error", err)
		os.Exit(1)
	}
	defer reqLog.Close()

	tlsFactory, err := tlsclient.NewFactory(tlsclient.Material{
		ClientCertPath: cfg.TLS.ClientCertPath,
		ClientKeyPath:  cfg.TLS.ClientKeyPath,
		CACertPath:     cfg.TLS.CACertPath,
		VerifyHostname: cfg.TLS.VerifyHostname,
	})
	if err != nil {
		logger.Error("failed to build TLS client factory", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.Server.RateLimitRPS, BurstSize: cfg.Server.RateLimitBurst})

	cfgPath := viper.ConfigFileUsed()
	if cfgPath == "" {
		cfgPath = "config/default.toml"
	}
	cfgStore := config.NewStore(*cfg, cfgPath, auditStore, tlsFactory, limiter)
	config.WatchAndReload(func(next *config.Config) {
		cfgStore.Replace(*next)
		logger.Info("configuration hot-reloaded")
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ctrlAPI := controlapi.New(cfgStore, auditStore, reqLog, reg, controlapi.WithLogger(logger))
	fwd := forwarder.New(cfgStore, limiter, reqLog, m, tlsFactory, ctrlAPI)

	if _, err := auditStore.Log(audit.ServerStart, "proxy starting", "", ""); err != nil {
		logger.Error("failed to write server-start audit row", "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, fwd, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("listener failed", "error", err)
			os.Exit(1)
		}
	case <-sigCh:
		logger.Info("shutdown signal received, draining")
		_, _ = auditStore.Log(audit.ServerStop, "proxy stopping", "", "")
		if err := srv.Shutdown(30 * time.Second); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
	}
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if flagHost != "" {
		cfg.Server.Host = flagHost
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
	if flagTargetURL != "" {
		cfg.Target.BaseURL = flagTargetURL
	}
	if flagClientCert != "" {
		cfg.TLS.ClientCertPath = flagClientCert
	}
	if flagClientKey != "" {
		cfg.TLS.ClientKeyPath = flagClientKey
	}
	if flagCACert != "" {
		cfg.TLS.CACertPath = flagCACert
	}
	if flagNoVerifyHostname {
		cfg.TLS.VerifyHostname = false
	}
	if flagTimeout != 0 {
		cfg.Target.TimeoutSecs = flagTimeout
	}
}

func newLogger(level string, verbose bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
