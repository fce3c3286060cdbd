// ABOUTME: serve subcommand: restores the queue store and runs the admin server
// ABOUTME: Runs the HTTP server and the expiry loop in one errgroup until a signal arrives

package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/queue-relay/internal/config"
	"github.com/2389/queue-relay/internal/logging"
	"github.com/2389/queue-relay/internal/relay"
	"github.com/2389/queue-relay/internal/server"
)

func newServeCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Restore the queue store and start the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath())
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)
	serverID := uuid.NewString()
	logger = logger.With("server_id", serverID)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Backend:   ")
	cyan.Print(cfg.Store.Backend)
	if cfg.Store.Backend == config.BackendSQLite {
		gray.Printf(" (%s)", cfg.Store.SQLitePath)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Store log: %s", cfg.StoreLog.Path)
	if cfg.StoreLog.Path == "" {
		yellow.Print("disabled")
	}
	if cfg.StoreLog.Sync {
		gray.Print(" (sync)")
	}
	fmt.Println()
	if cfg.Expiration.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Expiry:    %s inactive, checked every %s\n", cfg.Expiration.InactiveTTL, cfg.Expiration.CheckInterval)
	}
	fmt.Println()

	logger.Info("starting queue-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"backend", cfg.Store.Backend,
	)

	r, err := relay.Bootstrap(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("restoring queue store: %w", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Error("closing queue store", "error", err)
		}
	}()

	if rs := r.Replay; rs != nil && (rs.Malformed > 0 || rs.Skipped > 0) {
		yellow.Printf("    ! store log had %d malformed and %d rejected lines, see log for details\n\n", rs.Malformed, rs.Skipped)
	}

	srv := server.New(cfg, r, serverID, logger)
	srv.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.Expiration.Enabled {
		expirer := relay.NewExpirer(r.Service, cfg.Expiration, logger)
		g.Go(func() error {
			return expirer.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("queue-relay stopped")
	return err
}
