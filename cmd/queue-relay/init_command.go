// ABOUTME: init subcommand writing a starter configuration file
// ABOUTME: Refuses to overwrite an existing file unless --force is given

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/2389/queue-relay/internal/config"
)

func newInitCommand(configPath func() string) *cobra.Command {
	var force bool
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if dataDir == "" {
				dataDir = config.DataDir()
			}

			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(config.DefaultYAML(dataDir)), 0600); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Store log: %s\n", filepath.Join(dataDir, "queues.log"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the store log (default XDG data dir)")
	return cmd
}
