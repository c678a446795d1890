package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cisco-open/pymultiworld/config"
)

// ConfigCmd groups configuration-file management subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage multiworld configuration files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// ConfigInitCmd writes a default multiworld.toml an operator can edit.
var ConfigInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default multiworld.toml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("wrote default configuration to %s\n", path)
		return nil
	},
}

func init() {
	ConfigInitCmd.Flags().String("path", "multiworld.toml", "output path")
	ConfigCmd.AddCommand(ConfigInitCmd)
}
