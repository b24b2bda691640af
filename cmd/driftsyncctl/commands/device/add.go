package device

import (
	"context"
	"fmt"

	"github.com/driftsync/driftsync/cmd/driftsyncctl/cmdutil"
	"github.com/driftsync/driftsync/internal/cli/prompt"
	"github.com/spf13/cobra"
)

var (
	addName   string
	addSecret string
)

var addCmd = &cobra.Command{
	Use:   "add <device-id>",
	Short: "Register a new device",
	Long: `Register a new device with the coordinator.

The device authenticates against the token endpoint with its ID and secret.
The secret is prompted interactively when not given by flag; it must be
between 8 and 72 characters.

Examples:
  # Register interactively
  driftsyncctl device add laptop-1 --name "Work laptop"

  # Register with the secret on the command line (less secure)
  driftsyncctl device add laptop-1 --secret hunter2hunter2`,
	Args: cobra.ExactArgs(1),
	RunE: runAdd,
}

func init() {
	addCmd.Flags().StringVar(&addName, "name", "", "Human-readable device name")
	addCmd.Flags().StringVar(&addSecret, "secret", "", "Device secret (prompted when omitted)")
}

func runAdd(cmd *cobra.Command, args []string) error {
	deviceID := args[0]

	secret := addSecret
	if secret == "" {
		var err error
		secret, err = prompt.PasswordWithConfirmation("Device secret", "Confirm secret", 8)
		if err != nil {
			return err
		}
	}

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	device, err := reg.Add(context.Background(), deviceID, addName, secret)
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	cmdutil.PrintSuccess(fmt.Sprintf("Device '%s' registered", device.DeviceID))
	return nil
}
