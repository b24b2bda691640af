// Package device implements device registration commands for driftsyncctl.
package device

import (
	"fmt"

	"github.com/driftsync/driftsync/pkg/config"
	"github.com/driftsync/driftsync/pkg/registry"
	"github.com/spf13/cobra"
)

var cfgFile string

// Cmd is the parent command for device management.
var Cmd = &cobra.Command{
	Use:   "device",
	Short: "Device management",
	Long: `Manage devices registered with the coordinator.

Device commands operate directly on the coordinator's registry database and
therefore require the coordinator to be stopped (the database takes an
exclusive lock).

Examples:
  # Register a device
  driftsyncctl device add laptop-1 --name "Work laptop"

  # List registered devices
  driftsyncctl device list

  # Remove a device
  driftsyncctl device remove laptop-1`,
}

func init() {
	Cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "coordinator config file (default: $XDG_CONFIG_HOME/driftsync/config.yaml)")

	Cmd.AddCommand(addCmd)
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(removeCmd)
}

// openRegistry opens the registry database named by the coordinator config.
func openRegistry() (*registry.Registry, error) {
	cfg, err := config.MustLoad(cfgFile)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(cfg.Storage.RegistryDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open device registry (is the coordinator running?): %w", err)
	}
	return reg, nil
}
