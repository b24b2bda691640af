package device

import (
	"context"
	"fmt"

	"github.com/driftsync/driftsync/cmd/driftsyncctl/cmdutil"
	"github.com/spf13/cobra"
)

var removeForce bool

var removeCmd = &cobra.Command{
	Use:   "remove <device-id>",
	Short: "Remove a registered device",
	Long: `Remove a device from the coordinator's registry.

A removed device can no longer exchange its secret for tokens. Tokens
already issued stay valid until they expire.

Examples:
  # Remove with confirmation
  driftsyncctl device remove laptop-1

  # Remove without confirmation
  driftsyncctl device remove laptop-1 --force`,
	Args: cobra.ExactArgs(1),
	RunE: runRemove,
}

func init() {
	removeCmd.Flags().BoolVarP(&removeForce, "force", "f", false, "Skip confirmation prompt")
}

func runRemove(cmd *cobra.Command, args []string) error {
	deviceID := args[0]

	return cmdutil.RunDeleteWithConfirmation("device", deviceID, removeForce, func() error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer func() { _ = reg.Close() }()

		if err := reg.Remove(context.Background(), deviceID); err != nil {
			return fmt.Errorf("failed to remove device: %w", err)
		}
		cmdutil.PrintSuccess(fmt.Sprintf("Device '%s' removed", deviceID))
		return nil
	})
}
