package main

import (
	"os"

	"github.com/driftsync/driftsync/cmd/driftsyncd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
