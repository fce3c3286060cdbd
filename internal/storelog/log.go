// ABOUTME: Store log file ownership: single-process lock, append writer and compaction
// ABOUTME: The lock file sits next to the log so a second relay cannot append concurrently

package storelog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/2389/queue-relay/internal/store"
)

// ErrLocked is returned when another process holds the store log
var ErrLocked = errors.New("store log is locked by another process")

// backupTimeFormat names compaction backups; it sorts lexically by time.
const backupTimeFormat = "20060102T150405Z"

// Log owns a store log path for the lifetime of a process.
type Log struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger

	mu     sync.Mutex
	writer *Writer
}

// Open acquires the lock for the store log at path. The log file itself
// does not need to exist yet.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating store log directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring store log lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	return &Log{
		path:   path,
		lock:   lock,
		logger: logger.With("component", "storelog"),
	}, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Replay applies the current log file to s. A missing file replays nothing.
func (l *Log) Replay(ctx context.Context, s store.QueueStore) (*ReplayStats, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Info("no store log yet, starting empty", "path", l.path)
		return &ReplayStats{ByRecord: map[string]int{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening store log: %w", err)
	}
	defer f.Close()

	stats, err := Replay(ctx, f, s, l.logger)
	if err != nil {
		return stats, err
	}
	l.logger.Info("store log replayed",
		"path", l.path,
		"lines", stats.Lines,
		"applied", stats.Applied,
		"malformed", stats.Malformed,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// Compact rewrites the log as one CREATE record per queue in recs. The
// previous log is kept as a timestamped backup; backups beyond keep are removed.
// It must be called before OpenWriter.
func (l *Log) Compact(recs []*store.QueueRec, keep int, now time.Time) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		return "", errors.New("cannot compact while the writer is open")
	}

	tmpPath := l.path + ".tmp"
	if err := writeSnapshot(tmpPath, recs); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	var backup string
	if _, err := os.Stat(l.path); err == nil {
		backup = l.path + "." + now.UTC().Format(backupTimeFormat)
		if err := os.Rename(l.path, backup); err != nil {
			_ = os.Remove(tmpPath)
			return "", fmt.Errorf("backing up store log: %w", err)
		}
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return "", fmt.Errorf("installing compacted store log: %w", err)
	}

	if err := l.pruneBackups(keep); err != nil {
		l.logger.Warn("failed to prune store log backups", "error", err)
	}
	l.logger.Info("store log compacted", "path", l.path, "queues", len(recs), "backup", backup)
	return backup, nil
}

func writeSnapshot(path string, recs []*store.QueueRec) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating compacted store log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, rec := range recs {
		if _, err := w.WriteString(Encode(CreateQueue{Queue: rec}) + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("writing compacted store log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing compacted store log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing compacted store log: %w", err)
	}
	return f.Close()
}

// Backups returns existing backup files, oldest first.
func (l *Log) Backups() ([]string, error) {
	matches, err := filepath.Glob(l.path + ".*")
	if err != nil {
		return nil, err
	}
	var backups []string
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, l.path+".")
		if _, err := time.Parse(backupTimeFormat, suffix); err == nil {
			backups = append(backups, m)
		}
	}
	sort.Strings(backups)
	return backups, nil
}

func (l *Log) pruneBackups(keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := l.Backups()
	if err != nil {
		return err
	}
	var errs []error
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			errs = append(errs, err)
		}
		backups = backups[1:]
	}
	return errors.Join(errs...)
}

// OpenWriter opens the log for appending. Only one writer may be open.
func (l *Log) OpenWriter(syncEach bool) (*Writer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		return nil, errors.New("store log writer already open")
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening store log for append: %w", err)
	}
	l.writer = &Writer{file: f, sync: syncEach}
	return l.writer, nil
}

// Close closes the writer, if any, and releases the lock.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.writer != nil {
		errs = append(errs, l.writer.Close())
		l.writer = nil
	}
	errs = append(errs, l.lock.Unlock())
	return errors.Join(errs...)
}

// Writer appends encoded records to the store log, one per line, in call order.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	sync   bool
	closed bool
}

// Append writes rec and syncs it when the writer was opened with sync.
func (w *Writer) Append(rec Record) error {
	if err := w.Write(rec); err != nil {
		return err
	}
	return w.Sync()
}

// Write appends rec as one line without syncing. Writes are serialised so
// file order is the order in which Write was called.
func (w *Writer) Write(rec Record) error {
	line := Encode(rec) + "\n"

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("appending %s record: %w", Name(rec), err)
	}
	return nil
}

// Sync flushes every record written so far to disk. It is a no-op unless the
// writer was opened with sync, and it does not block Write.
func (w *Writer) Sync() error {
	if !w.sync {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("syncing store log: %w", err)
	}
	return nil
}

// Close closes the underlying file. It is safe to call multiple times.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
