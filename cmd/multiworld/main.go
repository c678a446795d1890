// Command multiworld is a thin example driver wiring the World Manager,
// Communicator, and Watchdog from config. It is not part of the core
// contract (spec.md §1 excludes example driver scripts) — applications
// embed the worldmanager/communicator/watchdog packages directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cisco-open/pymultiworld/cmd/multiworld/commands"
	"github.com/cisco-open/pymultiworld/logger"
)

var rootCmd = &cobra.Command{
	Use:   "multiworld",
	Short: "multiworld - multi-world collective-communication runtime",
	Long: `multiworld drives the World Manager, World Communicator, and Watchdog
described by the runtime's core packages.

Example:
  multiworld join --world training --rank 0 --size 2 --addr localhost --port 29500
  multiworld version`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.JoinCmd)
	rootCmd.AddCommand(commands.StoreServeCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
