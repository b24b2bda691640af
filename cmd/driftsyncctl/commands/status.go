package commands

import (
	"fmt"
	"os"

	"github.com/driftsync/driftsync/cmd/driftsyncctl/cmdutil"
	"github.com/driftsync/driftsync/pkg/apiclient"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator status",
	Long: `Check coordinator liveness and report its protocol version window.

Examples:
  # Status of the stored server
  driftsyncctl status

  # Status of an explicit server
  driftsyncctl status --server http://localhost:8080

  # As JSON
  driftsyncctl status -o json`,
	RunE: runStatus,
}

// coordinatorStatus aggregates the health and version responses.
type coordinatorStatus struct {
	Server  string                 `json:"server"`
	Status  string                 `json:"status"`
	Version *apiclient.VersionInfo `json:"version,omitempty"`
}

// Headers implements output.TableRenderer.
func (s coordinatorStatus) Headers() []string {
	return []string{"FIELD", "VALUE"}
}

// Rows implements output.TableRenderer.
func (s coordinatorStatus) Rows() [][]string {
	rows := [][]string{
		{"Server", s.Server},
		{"Status", s.Status},
	}
	if s.Version != nil {
		rows = append(rows,
			[]string{"Protocol version", fmt.Sprintf("%d", s.Version.Current)},
			[]string{"Min supported", fmt.Sprintf("%d", s.Version.MinSupported)},
		)
	}
	return rows
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	status := coordinatorStatus{Server: client.BaseURL()}

	health, err := client.Health()
	if err != nil {
		status.Status = "unreachable"
		_ = cmdutil.PrintResource(os.Stdout, status, status)
		return fmt.Errorf("coordinator unreachable: %w", err)
	}
	status.Status = health.Status

	if version, err := client.Version(); err == nil {
		status.Version = version
	}

	return cmdutil.PrintResource(os.Stdout, status, status)
}
