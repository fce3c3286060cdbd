// ABOUTME: Journaled queue service: every accepted mutation is appended to the store log
// ABOUTME: Mutations commit to the store first; a failed append surfaces as store.ErrStore

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/queue-relay/internal/metrics"
	"github.com/2389/queue-relay/internal/store"
	"github.com/2389/queue-relay/internal/storelog"
)

// Service is the queue store as seen by the relay's command handlers.
// It forwards to a QueueStore and journals every state change.
type Service struct {
	store  store.QueueStore
	log    *storelog.Writer // nil disables journaling
	logger *slog.Logger

	// mu makes commit order and log order the same. It covers the write but
	// not the sync.
	mu sync.Mutex
}

// NewService wraps s. w may be nil, in which case nothing is journaled.
func NewService(s store.QueueStore, w *storelog.Writer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		log:    w,
		logger: logger.With("component", "relay"),
	}
}

// Store returns the underlying queue store.
func (s *Service) Store() store.QueueStore {
	return s.store
}

// mutate runs fn under mu and writes the record it returns, so log order is
// commit order. The sync to disk happens after mu is released. A nil record
// means nothing changed. The in-memory change stays applied when the log
// fails.
func (s *Service) mutate(fn func() (storelog.Record, error)) error {
	s.mu.Lock()
	rec, err := fn()
	if err != nil || rec == nil || s.log == nil {
		s.mu.Unlock()
		return err
	}
	err = s.log.Write(rec)
	s.mu.Unlock()

	if err == nil {
		err = s.log.Sync()
	}
	if err != nil {
		metrics.LogWriteErrors.Inc()
		s.logger.Error("store log append failed, state change not durable",
			"record", storelog.Name(rec),
			"error", err,
		)
		return fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	metrics.LogRecords.WithLabelValues(storelog.Name(rec)).Inc()
	return nil
}

func observe(op string, changed bool, err error) {
	result := metrics.ResultOK
	switch {
	case err == nil && !changed:
		result = metrics.ResultNoop
	case err == nil:
	case errors.Is(err, store.ErrStore):
		result = metrics.ResultStore
	case errors.Is(err, store.ErrAuth):
		result = metrics.ResultAuth
	case errors.Is(err, store.ErrDuplicate):
		result = metrics.ResultDuplicate
	case errors.Is(err, store.ErrInvalidQueue):
		result = metrics.ResultInvalid
	default:
		result = metrics.ResultError
	}
	metrics.StoreOps.WithLabelValues(op, result).Inc()
}

// AddQueue creates a queue and journals its stored record.
func (s *Service) AddQueue(ctx context.Context, rec *store.QueueRec) (q *store.Queue, err error) {
	defer func() { observe("add_queue", true, err) }()

	err = s.mutate(func() (storelog.Record, error) {
		added, err := s.store.AddQueue(ctx, rec)
		if err != nil {
			return nil, err
		}
		stored, err := s.store.ReadQueue(ctx, added)
		if err != nil {
			return nil, err
		}
		q = added
		return storelog.CreateQueue{Queue: stored}, nil
	})
	return q, err
}

// GetQueue resolves id in the namespace of role.
func (s *Service) GetQueue(ctx context.Context, role store.Role, id []byte) (*store.Queue, error) {
	return s.store.GetQueue(ctx, role, id)
}

// ReadQueue returns a snapshot of q.
func (s *Service) ReadQueue(ctx context.Context, q *store.Queue) (*store.QueueRec, error) {
	return s.store.ReadQueue(ctx, q)
}

// SecureQueue sets the sender key. Repeating the same key is a no-op and
// writes nothing.
func (s *Service) SecureQueue(ctx context.Context, q *store.Queue, senderKey []byte) (changed bool, err error) {
	defer func() { observe("secure_queue", changed, err) }()

	err = s.mutate(func() (storelog.Record, error) {
		var err error
		changed, err = s.store.SecureQueue(ctx, q, senderKey)
		if err != nil || !changed {
			return nil, err
		}
		return storelog.SecureQueue{RecipientID: q.RecipientID(), SenderKey: senderKey}, nil
	})
	return changed, err
}

// AddQueueNotifier binds creds to q and returns the replaced notifier id.
func (s *Service) AddQueueNotifier(ctx context.Context, q *store.Queue, creds *store.NtfCreds) (prev []byte, err error) {
	defer func() { observe("add_notifier", true, err) }()

	err = s.mutate(func() (storelog.Record, error) {
		var err error
		if prev, err = s.store.AddQueueNotifier(ctx, q, creds); err != nil {
			return nil, err
		}
		return storelog.AddNotifier{RecipientID: q.RecipientID(), Notifier: creds.Clone()}, nil
	})
	return prev, err
}

// DeleteQueueNotifier removes the notifier binding; nothing is written when
// there was none.
func (s *Service) DeleteQueueNotifier(ctx context.Context, q *store.Queue) (nid []byte, err error) {
	defer func() { observe("delete_notifier", nid != nil, err) }()

	err = s.mutate(func() (storelog.Record, error) {
		var err error
		nid, err = s.store.DeleteQueueNotifier(ctx, q)
		if err != nil || nid == nil {
			return nil, err
		}
		return storelog.DeleteNotifier{RecipientID: q.RecipientID()}, nil
	})
	return nid, err
}

// SuspendQueue marks q suspended; already suspended queues write nothing.
func (s *Service) SuspendQueue(ctx context.Context, q *store.Queue) (changed bool, err error) {
	defer func() { observe("suspend_queue", changed, err) }()

	err = s.mutate(func() (storelog.Record, error) {
		var err error
		changed, err = s.store.SuspendQueue(ctx, q)
		if err != nil || !changed {
			return nil, err
		}
		return storelog.SuspendQueue{RecipientID: q.RecipientID()}, nil
	})
	return changed, err
}

// UpdateQueueTime moves the queue's last-activity time forward to t.
func (s *Service) UpdateQueueTime(ctx context.Context, q *store.Queue, t time.Time) (rec *store.QueueRec, err error) {
	changed := false
	defer func() { observe("update_time", changed, err) }()

	err = s.mutate(func() (storelog.Record, error) {
		var err error
		rec, changed, err = s.store.UpdateQueueTime(ctx, q, t)
		if err != nil || !changed {
			return nil, err
		}
		return storelog.UpdateTime{RecipientID: q.RecipientID(), UpdatedAt: rec.UpdatedAt}, nil
	})
	return rec, err
}

// DeleteQueue removes q, closes its message queue and journals the deletion.
func (s *Service) DeleteQueue(ctx context.Context, q *store.Queue) (rec *store.QueueRec, err error) {
	defer func() { observe("delete_queue", true, err) }()

	err = s.mutate(func() (storelog.Record, error) {
		var err error
		rec, err = s.deleteQueue(ctx, q)
		if err != nil {
			return nil, err
		}
		return storelog.DeleteQueue{RecipientID: rec.RecipientID}, nil
	})
	return rec, err
}

// DeleteQueueIfInactive deletes q only when its last activity is set and
// earlier than cutoff, checked in the same critical section as the delete.
// It returns nil when the queue was kept.
func (s *Service) DeleteQueueIfInactive(ctx context.Context, q *store.Queue, cutoff time.Time) (rec *store.QueueRec, err error) {
	defer func() { observe("delete_queue", rec != nil, err) }()

	err = s.mutate(func() (storelog.Record, error) {
		cur, err := s.store.ReadQueue(ctx, q)
		if err != nil {
			return nil, err
		}
		if cur.UpdatedAt.IsZero() || !cur.UpdatedAt.Before(cutoff) {
			return nil, nil
		}
		if rec, err = s.deleteQueue(ctx, q); err != nil {
			return nil, err
		}
		return storelog.DeleteQueue{RecipientID: rec.RecipientID}, nil
	})
	return rec, err
}

func (s *Service) deleteQueue(ctx context.Context, q *store.Queue) (*store.QueueRec, error) {
	rec, mq, err := s.store.DeleteQueue(ctx, q)
	if err != nil {
		return nil, err
	}
	if mq != nil {
		if cerr := mq.Close(); cerr != nil {
			s.logger.Warn("failed to close message queue of deleted queue", "error", cerr)
		}
	}
	return rec, nil
}

// AttachMessageQueue records the message store handle of q. It is not journaled.
func (s *Service) AttachMessageQueue(ctx context.Context, q *store.Queue, mq store.MessageQueue) error {
	return s.store.SetMessageQueue(ctx, q, mq)
}

// MessageQueue returns the message store handle attached to q, or nil.
func (s *Service) MessageQueue(ctx context.Context, q *store.Queue) (store.MessageQueue, error) {
	return s.store.MessageQueue(ctx, q)
}

// Queues returns snapshots of all live queues.
func (s *Service) Queues(ctx context.Context) ([]*store.QueueRec, error) {
	return s.store.Queues(ctx)
}

// Stats summarises the queues currently held by the store.
type Stats struct {
	Queues       int        `json:"queues"`
	Active       int        `json:"active"`
	Suspended    int        `json:"suspended"`
	Secured      int        `json:"secured"`
	WithNotifier int        `json:"with_notifier"`
	OldestUpdate *time.Time `json:"oldest_update,omitempty"`
}

// Stats counts queues by state.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	recs, err := s.store.Queues(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{Queues: len(recs)}
	for _, rec := range recs {
		switch rec.Status {
		case store.StatusSuspended:
			st.Suspended++
		default:
			st.Active++
		}
		if rec.SenderKey != nil {
			st.Secured++
		}
		if rec.Notifier != nil {
			st.WithNotifier++
		}
		if !rec.UpdatedAt.IsZero() && (st.OldestUpdate == nil || rec.UpdatedAt.Before(*st.OldestUpdate)) {
			t := rec.UpdatedAt
			st.OldestUpdate = &t
		}
	}
	return st, nil
}
