// ABOUTME: Startup wiring for the queue store: backend selection, log replay and compaction
// ABOUTME: Bootstrap returns a Relay whose Service journals to the freshly opened log writer

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/queue-relay/internal/config"
	"github.com/2389/queue-relay/internal/metrics"
	"github.com/2389/queue-relay/internal/store"
	"github.com/2389/queue-relay/internal/storelog"
)

// Relay holds the queue store and its durability log for one process.
type Relay struct {
	Service *Service
	Store   store.QueueStore
	// Replay is nil when the log was not replayed (sqlite backend or no log).
	Replay *storelog.ReplayStats
	// Backup is the path of the pre-compaction log, if one was made.
	Backup string

	log    *storelog.Log
	logger *slog.Logger
}

// Bootstrap restores the queue store described by cfg.
//
// For the memory backend the store log is replayed into an empty store and,
// when compact_on_start is set, rewritten as a snapshot. The sqlite backend is
// durable on its own; its log, if configured, is appended to but never replayed.
// Any failure to open or read an existing log is returned.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bootstrap")

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	r := &Relay{Store: st, logger: logger}
	if cfg.StoreLog.Path == "" {
		logger.Warn("no store log configured, queue changes are not journaled")
		r.Service = NewService(st, nil, logger)
		return r, nil
	}

	if err := r.openLog(ctx, cfg); err != nil {
		return nil, errors.Join(err, r.Close())
	}
	return r, nil
}

func openStore(cfg config.StoreConfig) (store.QueueStore, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		st, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return st, nil
	case config.BackendMemory, "":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func (r *Relay) openLog(ctx context.Context, cfg *config.Config) error {
	l, err := storelog.Open(cfg.StoreLog.Path, r.logger)
	if err != nil {
		return fmt.Errorf("opening store log: %w", err)
	}
	r.log = l

	if cfg.Store.Backend != config.BackendSQLite {
		start := time.Now()
		stats, err := l.Replay(ctx, r.Store)
		if err != nil {
			return fmt.Errorf("replaying store log: %w", err)
		}
		r.Replay = stats
		recordReplay(stats)
		r.logger.Info("store log replayed",
			"path", l.Path(),
			"lines", stats.Lines,
			"applied", stats.Applied,
			"malformed", stats.Malformed,
			"skipped", stats.Skipped,
			"duration", time.Since(start),
		)

		if cfg.StoreLog.CompactOnStart {
			recs, err := r.Store.Queues(ctx)
			if err != nil {
				return fmt.Errorf("reading queues for compaction: %w", err)
			}
			r.Backup, err = l.Compact(recs, cfg.StoreLog.KeepBackups, time.Now())
			if err != nil {
				return fmt.Errorf("compacting store log: %w", err)
			}
		}
	}

	w, err := l.OpenWriter(cfg.StoreLog.Sync)
	if err != nil {
		return err
	}
	r.Service = NewService(r.Store, w, r.logger)
	return nil
}

func recordReplay(stats *storelog.ReplayStats) {
	metrics.ReplayLines.WithLabelValues("applied").Set(float64(stats.Applied))
	metrics.ReplayLines.WithLabelValues("malformed").Set(float64(stats.Malformed))
	metrics.ReplayLines.WithLabelValues("skipped").Set(float64(stats.Skipped))
}

// LogPath returns the store log path, or "" when there is none.
func (r *Relay) LogPath() string {
	if r.log == nil {
		return ""
	}
	return r.log.Path()
}

// Close closes the log writer, releases the log lock and closes the store.
func (r *Relay) Close() error {
	var errs []error
	if r.log != nil {
		errs = append(errs, r.log.Close())
		r.log = nil
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
		r.Store = nil
	}
	return errors.Join(errs...)
}
