// Package cmd provides the CLI commands for the mTLS forwarding proxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sreymja/mtls-proxy/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mtls-proxy",
	Short: "mTLS forwarding proxy",
	Long: `mtls-proxy terminates plain inbound HTTP, authenticates to a single
HTTPS upstream origin with a client certificate, and forwards requests
transparently with durable audit logging, rate limiting, and metrics.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (TOML)")
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize configuration:", err)
		os.Exit(1)
	}
}
