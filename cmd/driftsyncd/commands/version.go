package commands

import (
	"fmt"
	"runtime"

	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("driftsyncd %s\n", Version)
		fmt.Printf("  commit:           %s\n", Commit)
		fmt.Printf("  built:            %s\n", Date)
		fmt.Printf("  go:               %s\n", runtime.Version())
		fmt.Printf("  protocol version: %d (min supported %d)\n",
			protocol.CurrentVersion, protocol.MinSupportedVersion)
	},
}
