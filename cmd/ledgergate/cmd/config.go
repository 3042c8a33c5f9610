package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ledgerline/ledgergate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the effective configuration as YAML after applying defaults,
the config file, and environment variable overrides.

Useful for checking which values the server would actually start with.

Examples:
  # Show the effective config
  ledgergate config

  # Show the effective config for a specific file
  ledgergate --config /path/to/config.yaml config`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if file := config.ConfigFileUsed(); file != "" {
		fmt.Fprintf(os.Stderr, "# config file: %s\n", file)
	} else {
		fmt.Fprintln(os.Stderr, "# no config file found, showing defaults")
	}

	// Hide secrets before printing.
	redacted := *cfg
	if redacted.Store.Redis.Password != "" {
		redacted.Store.Redis.Password = "<redacted>"
	}

	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
