// ABOUTME: Entry point for queue-relay
// ABOUTME: Cobra root command wiring serve, init and store log maintenance subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/queue-relay/internal/config"
)

// version is set with -ldflags at build time.
var version = "dev"

const banner = `
  __ _ _   _  ___ _   _  ___       _ __ ___| | __ _ _   _
 / _' | | | |/ _ \ | | |/ _ \_____| '__/ _ \ |/ _' | | | |
| (_| | |_| |  __/ |_| |  __/_____| | |  __/ | (_| | |_| |
 \__, |\__,_|\___|\__,_|\___|     |_|  \___|_|\__,_|\__, |
    |_|                                             |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "queue-relay",
		Short:         "Queue store for an end-to-end encrypted message relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default $QUEUE_RELAY_CONFIG or XDG config dir)")

	configPath := func() string {
		if configFlag != "" {
			return configFlag
		}
		return config.DefaultPath()
	}

	rootCmd.AddCommand(newServeCommand(configPath))
	rootCmd.AddCommand(newInitCommand(configPath))
	rootCmd.AddCommand(newLogCommand())

	return rootCmd
}
