// Package cli implements the creditgate command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/applypilot/creditgate/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "creditgate",
	Short: "Credit ledger, desktop sessions and payment reconciliation",
	Long: `creditgate keeps a per-user credit ledger, issues short-lived desktop
session tokens, reconciles payment gateway webhooks and exposes admin
overrides. State lives in a single SQLite database under $CREDITGATE_HOME.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to config.toml (default $CREDITGATE_HOME/config.toml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openDaemon loads configuration and wires the services. Callers must
// Close the result.
func openDaemon() (*daemon.Daemon, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := daemon.NewLogger(cfg.Log, os.Stderr)
	return daemon.New(cfg, logger)
}
