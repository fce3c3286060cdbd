// ABOUTME: Store log maintenance subcommands: check and compact
// ABOUTME: check replays a log into a scratch store and reports; compact rewrites it as a snapshot

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/queue-relay/internal/config"
	"github.com/2389/queue-relay/internal/logging"
	"github.com/2389/queue-relay/internal/store"
	"github.com/2389/queue-relay/internal/storelog"
)

// maxIssueRows bounds the issue table printed by log check.
const maxIssueRows = 20

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect and maintain the store log",
	}
	cmd.AddCommand(newLogCheckCommand())
	cmd.AddCommand(newLogCompactCommand())
	return cmd
}

func quietLogger(w io.Writer) *slog.Logger {
	return logging.New(w, config.LoggingConfig{Level: "error"}, false)
}

func newLogCheckCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Replay a store log into a scratch store and report its contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogCheck(cmd.Context(), cmd.OutOrStdout(), args[0], strict)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail when any line is malformed or rejected")
	return cmd
}

func runLogCheck(ctx context.Context, out io.Writer, path string, strict bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening store log: %w", err)
	}
	defer f.Close()

	s := store.NewMemStore()
	stats, err := storelog.Replay(ctx, f, s, quietLogger(io.Discard))
	if err != nil {
		return err
	}

	recs, err := s.Queues(ctx)
	if err != nil {
		return err
	}
	suspended, notifiers := 0, 0
	for _, rec := range recs {
		if rec.Status == store.StatusSuspended {
			suspended++
		}
		if rec.Notifier != nil {
			notifiers++
		}
	}

	fmt.Fprintln(out, renderTable(
		[]string{"Lines", "Applied", "Malformed", "Rejected", "Queues", "Suspended", "Notifiers"},
		[][]string{{
			strconv.Itoa(stats.Lines),
			strconv.Itoa(stats.Applied),
			strconv.Itoa(stats.Malformed),
			strconv.Itoa(stats.Skipped),
			strconv.Itoa(len(recs)),
			strconv.Itoa(suspended),
			strconv.Itoa(notifiers),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	if len(stats.ByRecord) > 0 {
		names := make([]string, 0, len(stats.ByRecord))
		for name := range stats.ByRecord {
			names = append(names, name)
		}
		sort.Strings(names)
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			rows = append(rows, []string{name, strconv.Itoa(stats.ByRecord[name])})
		}
		fmt.Fprintln(out, renderTable([]string{"Record", "Applied"}, rows, []columnAlignment{alignLeft, alignRight}))
	}

	if len(stats.Issues) > 0 {
		rows := make([][]string, 0, maxIssueRows)
		for i, issue := range stats.Issues {
			if i == maxIssueRows {
				break
			}
			rows = append(rows, []string{strconv.Itoa(issue.Line), issue.Err.Error(), truncate(issue.Text, 60)})
		}
		fmt.Fprintln(out, renderTable([]string{"Line", "Problem", "Text"}, rows, []columnAlignment{alignRight}))
	}

	if err := s.CheckIntegrity(); err != nil {
		return fmt.Errorf("index integrity check failed: %w", err)
	}
	if strict && (stats.Malformed > 0 || stats.Skipped > 0) {
		return fmt.Errorf("%d malformed and %d rejected lines", stats.Malformed, stats.Skipped)
	}
	return nil
}

func newLogCompactCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "compact <path>",
		Short: "Rewrite a store log as one CREATE record per live queue",
		Long: "Rewrite a store log as one CREATE record per live queue. The previous log is kept\n" +
			"as a timestamped backup. Fails if a running relay holds the log.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogCompact(cmd.Context(), cmd.OutOrStdout(), args[0], keep)
		},
	}
	cmd.Flags().IntVar(&keep, "keep", config.DefaultKeepBackups, "Number of backups to keep")
	return cmd
}

func runLogCompact(ctx context.Context, out io.Writer, path string, keep int) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("store log: %w", err)
	}

	l, err := storelog.Open(path, quietLogger(io.Discard))
	if err != nil {
		return err
	}
	defer l.Close()

	s := store.NewMemStore()
	stats, err := l.Replay(ctx, s)
	if err != nil {
		return err
	}
	recs, err := s.Queues(ctx)
	if err != nil {
		return err
	}

	backup, err := l.Compact(recs, keep, time.Now())
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Compacted %d lines into %d queues\n", stats.Lines, len(recs))
	if stats.Malformed > 0 || stats.Skipped > 0 {
		fmt.Fprintf(out, "Dropped %d malformed and %d rejected lines\n", stats.Malformed, stats.Skipped)
	}
	fmt.Fprintf(out, "Backup: %s\n", backup)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
