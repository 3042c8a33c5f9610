// Package cmd provides the CLI commands for LedgerGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgerline/ledgergate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ledgergate",
	Short: "LedgerGate - rate limiter for the LedgerLine finance API",
	Long: `LedgerGate is the rate limiting service for the LedgerLine personal
finance API.

It tracks per-user and per-IP request counters in a durable window store and
answers quota checks over HTTP, with introspection endpoints for callers and
operators. Limiter failures never reject a request: the engine fails open so
the finance API stays available even when the limiter's storage does not.

Quick start:
  1. Optionally create a config file: ledgergate.yaml
  2. Run: ledgergate start

Configuration:
  Config is loaded from ledgergate.yaml in the current directory,
  $HOME/.ledgergate/, or /etc/ledgergate/.

  Environment variables can override config values with the LEDGERGATE_ prefix.
  Example: LEDGERGATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the limiter server
  stop        Stop the running server
  reset       Reset to clean state (remove the window database)
  config      Print the effective configuration
  hash-key    Generate SHA256 hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./ledgergate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
