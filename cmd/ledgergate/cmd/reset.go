package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgerline/ledgergate/internal/config"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset LedgerGate to a clean state",
	Long: `Reset LedgerGate by removing the window database.

This clears all rate limit counters: every identifier starts the next window
from zero. The configuration file is not touched.

Only the sqlite backend keeps local files; for the memory backend there is
nothing to remove, and redis counters expire on their own.

Examples:
  # Reset with interactive confirmation
  ledgergate reset

  # Reset without prompting
  ledgergate reset --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		// Fall back to defaults so reset works even with a broken config.
		cfg = &config.Config{}
		cfg.SetDefaults()
	}

	// The sqlite backend leaves the database plus WAL sidecar files.
	type target struct {
		path string
		desc string
	}
	targets := []target{
		{cfg.Store.Path, "window database"},
		{cfg.Store.Path + "-wal", "write-ahead log"},
		{cfg.Store.Path + "-shm", "shared memory file"},
	}

	// Check what actually exists.
	var existing []target
	for _, t := range targets {
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}

	if len(existing) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to reset — no window database found.")
		return nil
	}

	// Show what will be removed.
	fmt.Fprintln(os.Stderr, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(os.Stderr, "  - %s (%s)\n", t.path, t.desc)
	}

	// Confirm unless --force.
	if !resetForce {
		fmt.Fprint(os.Stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	var errors int
	for _, t := range existing {
		if err := os.Remove(t.path); err != nil {
			fmt.Fprintf(os.Stderr, "  ERROR removing %s: %v\n", t.path, err)
			errors++
		} else {
			fmt.Fprintf(os.Stderr, "  Removed %s\n", t.path)
		}
	}

	if errors > 0 {
		return fmt.Errorf("%d file(s) could not be removed", errors)
	}

	fmt.Fprintln(os.Stderr, "\nReset complete. All counters start fresh on next launch.")
	return nil
}
