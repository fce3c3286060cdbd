// ABOUTME: SQLite implementation of the QueueStore interface using modernc.org/sqlite
// ABOUTME: Keeps queue records in one table with UNIQUE sender and notifier columns

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var _ QueueStore = (*SQLiteStore)(nil)

// SQLiteStore implements QueueStore on top of SQLite. Queue handles and their
// message queue slots live in memory; queue records live in the database.
type SQLiteStore struct {
	mu      sync.Mutex
	db      *sql.DB
	handles map[string]*Queue // keyed by recipient id
	logger  *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		handles: make(map[string]*Queue),
		logger:  logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite queue store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS queues (
			recipient_id  BLOB PRIMARY KEY,
			recipient_key BLOB NOT NULL,
			sender_id     BLOB NOT NULL UNIQUE,
			sender_key    BLOB,
			notifier_id   BLOB UNIQUE,
			notifier_key  BLOB,
			status        TEXT NOT NULL,
			updated_at    INTEGER,

			CHECK (status IN ('active', 'suspended'))
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

const queueColumns = `recipient_id, recipient_key, sender_id, sender_key, notifier_id, notifier_key, status, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueue(row rowScanner) (*QueueRec, error) {
	var (
		rec         QueueRec
		notifierID  []byte
		notifierKey []byte
		status      string
		updatedAt   sql.NullInt64
	)
	err := row.Scan(
		&rec.RecipientID,
		&rec.RecipientKey,
		&rec.SenderID,
		&rec.SenderKey,
		&notifierID,
		&notifierKey,
		&status,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if notifierID != nil {
		rec.Notifier = &NtfCreds{NotifierID: notifierID, NotifierKey: notifierKey}
	}
	rec.Status = QueueStatus(status)
	if updatedAt.Valid {
		rec.UpdatedAt = time.Unix(updatedAt.Int64, 0).UTC()
	}
	return &rec, nil
}

// nullableUnix maps the zero time to SQL NULL so the Unix epoch stays a real timestamp.
func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

// nullableBytes maps nil slices to SQL NULL.
func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// handleLocked returns the cached handle for rid, creating it if needed.
// Must be called with mu held.
func (s *SQLiteStore) handleLocked(rid string) *Queue {
	if q, ok := s.handles[rid]; ok {
		return q
	}
	q := &Queue{recipientID: rid}
	s.handles[rid] = q
	return q
}

// checkHandleLocked rejects handles that were deleted or issued by another store.
func (s *SQLiteStore) checkHandleLocked(q *Queue) error {
	if q == nil || q.deleted {
		return ErrAuth
	}
	if cur, ok := s.handles[q.recipientID]; !ok || cur != q {
		return ErrAuth
	}
	return nil
}

// readLocked loads the record behind q inside tx.
func (s *SQLiteStore) readLocked(ctx context.Context, tx *sql.Tx, q *Queue) (*QueueRec, error) {
	if err := s.checkHandleLocked(q); err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE recipient_id = ?`, []byte(q.recipientID))
	rec, err := scanQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAuth
	}
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	return rec, nil
}

// withTx runs fn in a transaction while holding the store lock.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AddQueue inserts a new queue row.
func (s *SQLiteStore) AddQueue(ctx context.Context, rec *QueueRec) (*Queue, error) {
	if err := validateNewQueue(rec); err != nil {
		return nil, err
	}
	r := normalizeNewQueue(rec)

	var q *Queue
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var notifierID, notifierKey []byte
		if r.Notifier != nil {
			notifierID, notifierKey = r.Notifier.NotifierID, r.Notifier.NotifierKey
		}

		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queues WHERE recipient_id = ? OR sender_id = ? OR notifier_id = ?`,
			r.RecipientID, r.SenderID, nullableBytes(notifierID),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking ids: %w", err)
		}
		if exists > 0 {
			return ErrDuplicate
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO queues (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RecipientID,
			r.RecipientKey,
			r.SenderID,
			nullableBytes(r.SenderKey),
			nullableBytes(notifierID),
			nullableBytes(notifierKey),
			string(r.Status),
			nullableUnix(r.UpdatedAt),
		)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("inserting queue: %w", err)
		}

		// A stale handle for a reused recipient id must not come back to life.
		if old, ok := s.handles[string(r.RecipientID)]; ok {
			old.deleted = true
			delete(s.handles, string(r.RecipientID))
		}
		q = s.handleLocked(string(r.RecipientID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// GetQueue looks up the recipient id for role and returns its handle.
func (s *SQLiteStore) GetQueue(ctx context.Context, role Role, id []byte) (*Queue, error) {
	var column string
	switch role {
	case RoleRecipient:
		column = "recipient_id"
	case RoleSender:
		column = "sender_id"
	case RoleNotifier:
		column = "notifier_id"
	default:
		return nil, ErrAuth
	}

	var q *Queue
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var rid []byte
		err := tx.QueryRowContext(ctx, `SELECT recipient_id FROM queues WHERE `+column+` = ?`, id).Scan(&rid)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAuth
		}
		if err != nil {
			return fmt.Errorf("looking up %s id: %w", role, err)
		}
		q = s.handleLocked(string(rid))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// ReadQueue returns the stored record.
func (s *SQLiteStore) ReadQueue(ctx context.Context, q *Queue) (*QueueRec, error) {
	var rec *QueueRec
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = s.readLocked(ctx, tx, q)
		return err
	})
	return rec, err
}

// SecureQueue sets sender_key when it is still NULL.
func (s *SQLiteStore) SecureQueue(ctx context.Context, q *Queue, senderKey []byte) (bool, error) {
	if len(senderKey) == 0 {
		return false, ErrAuth
	}
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.readLocked(ctx, tx, q)
		if err != nil {
			return err
		}
		if rec.SenderKey != nil {
			if string(rec.SenderKey) == string(senderKey) {
				return nil
			}
			return ErrAuth
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queues SET sender_key = ? WHERE recipient_id = ?`, senderKey, rec.RecipientID); err != nil {
			return fmt.Errorf("securing queue: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// AddQueueNotifier replaces the notifier columns of the queue.
func (s *SQLiteStore) AddQueueNotifier(ctx context.Context, q *Queue, creds *NtfCreds) ([]byte, error) {
	if creds == nil || len(creds.NotifierID) == 0 {
		return nil, fmt.Errorf("%w: empty notifier id", ErrInvalidQueue)
	}
	var prev []byte
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.readLocked(ctx, tx, q)
		if err != nil {
			return err
		}
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE notifier_id = ?`, creds.NotifierID).Scan(&exists); err != nil {
			return fmt.Errorf("checking notifier id: %w", err)
		}
		if exists > 0 {
			return ErrDuplicate
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE queues SET notifier_id = ?, notifier_key = ? WHERE recipient_id = ?`,
			creds.NotifierID, nullableBytes(creds.NotifierKey), rec.RecipientID,
		)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("adding notifier: %w", err)
		}
		if rec.Notifier != nil {
			prev = rec.Notifier.NotifierID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// DeleteQueueNotifier clears the notifier columns of the queue.
func (s *SQLiteStore) DeleteQueueNotifier(ctx context.Context, q *Queue) ([]byte, error) {
	var removed []byte
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.readLocked(ctx, tx, q)
		if err != nil {
			return err
		}
		if rec.Notifier == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queues SET notifier_id = NULL, notifier_key = NULL WHERE recipient_id = ?`, rec.RecipientID); err != nil {
			return fmt.Errorf("deleting notifier: %w", err)
		}
		removed = rec.Notifier.NotifierID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// SuspendQueue sets status to suspended.
func (s *SQLiteStore) SuspendQueue(ctx context.Context, q *Queue) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.readLocked(ctx, tx, q)
		if err != nil {
			return err
		}
		if rec.Status == StatusSuspended {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queues SET status = ? WHERE recipient_id = ?`, string(StatusSuspended), rec.RecipientID); err != nil {
			return fmt.Errorf("suspending queue: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// UpdateQueueTime moves updated_at forward.
func (s *SQLiteStore) UpdateQueueTime(ctx context.Context, q *Queue, t time.Time) (*QueueRec, bool, error) {
	t = RoundTime(t)
	var (
		out     *QueueRec
		changed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.readLocked(ctx, tx, q)
		if err != nil {
			return err
		}
		out = rec
		if !t.After(rec.UpdatedAt) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queues SET updated_at = ? WHERE recipient_id = ?`, t.Unix(), rec.RecipientID); err != nil {
			return fmt.Errorf("updating queue time: %w", err)
		}
		rec.UpdatedAt = t
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// DeleteQueue removes the queue row and detaches its handle.
func (s *SQLiteStore) DeleteQueue(ctx context.Context, q *Queue) (*QueueRec, MessageQueue, error) {
	var (
		rec *QueueRec
		mq  MessageQueue
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = s.readLocked(ctx, tx, q)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queues WHERE recipient_id = ?`, rec.RecipientID); err != nil {
			return fmt.Errorf("deleting queue: %w", err)
		}
		mq = q.msgQueue
		q.msgQueue = nil
		q.deleted = true
		delete(s.handles, q.recipientID)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, mq, nil
}

// SetMessageQueue attaches mq to the queue handle.
func (s *SQLiteStore) SetMessageQueue(ctx context.Context, q *Queue, mq MessageQueue) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.readLocked(ctx, tx, q); err != nil {
			return err
		}
		q.msgQueue = mq
		return nil
	})
}

// MessageQueue returns the handle attached to the queue.
func (s *SQLiteStore) MessageQueue(ctx context.Context, q *Queue) (MessageQueue, error) {
	var mq MessageQueue
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.readLocked(ctx, tx, q); err != nil {
			return err
		}
		mq = q.msgQueue
		return nil
	})
	return mq, err
}

// Queues returns all queue records ordered by recipient id.
func (s *SQLiteStore) Queues(ctx context.Context) ([]*QueueRec, error) {
	var out []*QueueRec
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY recipient_id`)
		if err != nil {
			return fmt.Errorf("listing queues: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanQueue(rows)
			if err != nil {
				return fmt.Errorf("scanning queue: %w", err)
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
