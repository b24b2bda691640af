// Package commands implements the driftsyncctl CLI commands.
package commands

import (
	"github.com/driftsync/driftsync/cmd/driftsyncctl/cmdutil"
	"github.com/driftsync/driftsync/cmd/driftsyncctl/commands/device"
	"github.com/spf13/cobra"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "driftsyncctl",
	Short: "DriftSync coordinator control tool",
	Long: `driftsyncctl manages a DriftSync coordinator: device registration,
login, and replication status.

Examples:
  # Register a device (coordinator must be stopped)
  driftsyncctl device add laptop-1 --config /etc/driftsync/config.yaml

  # Log in as a device
  driftsyncctl login --server http://localhost:8080 --device laptop-1

  # Check coordinator status
  driftsyncctl status

  # Inspect a database's replication state
  driftsyncctl stats notes-db`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cmdutil.Flags.ServerURL, "server", "", "Coordinator URL (overrides stored session)")
	rootCmd.PersistentFlags().StringVar(&cmdutil.Flags.Token, "token", "", "Bearer token (overrides stored session)")
	rootCmd.PersistentFlags().StringVarP(&cmdutil.Flags.Output, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&cmdutil.Flags.NoColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(device.Cmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
