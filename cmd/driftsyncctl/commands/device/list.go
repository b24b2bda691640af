package device

import (
	"context"
	"os"

	"github.com/driftsync/driftsync/cmd/driftsyncctl/cmdutil"
	"github.com/driftsync/driftsync/internal/cli/timeutil"
	"github.com/driftsync/driftsync/pkg/registry"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	Long: `List all devices registered with the coordinator.

Examples:
  # List as table
  driftsyncctl device list

  # List as JSON
  driftsyncctl device list -o json`,
	RunE: runList,
}

// DeviceList renders devices as a table.
type DeviceList []registry.Device

// Headers implements output.TableRenderer.
func (dl DeviceList) Headers() []string {
	return []string{"DEVICE ID", "NAME", "CREATED", "LAST SEEN"}
}

// Rows implements output.TableRenderer.
func (dl DeviceList) Rows() [][]string {
	rows := make([][]string, 0, len(dl))
	for _, d := range dl {
		name := d.Name
		if name == "" {
			name = "-"
		}
		lastSeen := "-"
		if !d.LastSeenAt.IsZero() {
			lastSeen = d.LastSeenAt.Local().Format(timeutil.LocalTimeFormat)
		}
		rows = append(rows, []string{
			d.DeviceID,
			name,
			d.CreatedAt.Local().Format(timeutil.LocalTimeFormat),
			lastSeen,
		})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	devices, err := reg.List(context.Background())
	if err != nil {
		return err
	}

	return cmdutil.PrintOutput(os.Stdout, devices, len(devices) == 0,
		"No devices registered.", DeviceList(devices))
}
