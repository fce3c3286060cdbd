// ABOUTME: In-memory QueueStore with recipient, sender and notifier indexes
// ABOUTME: Every operation runs in a single critical section so partial index states are never visible

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrInvalidQueue is returned by AddQueue for records missing a required field
var ErrInvalidQueue = errors.New("invalid queue record")

var _ QueueStore = (*MemStore)(nil)

// MemStore is the in-memory QueueStore used by the relay.
type MemStore struct {
	mu        sync.RWMutex
	queues    map[string]*Queue // keyed by recipient id
	senders   map[string]string // sender id -> recipient id
	notifiers map[string]string // notifier id -> recipient id
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		queues:    make(map[string]*Queue),
		senders:   make(map[string]string),
		notifiers: make(map[string]string),
	}
}

func validateNewQueue(rec *QueueRec) error {
	switch {
	case rec == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidQueue)
	case len(rec.RecipientID) == 0:
		return fmt.Errorf("%w: empty recipient id", ErrInvalidQueue)
	case len(rec.SenderID) == 0:
		return fmt.Errorf("%w: empty sender id", ErrInvalidQueue)
	case len(rec.RecipientKey) == 0:
		return fmt.Errorf("%w: empty recipient key", ErrInvalidQueue)
	case rec.SenderKey != nil && len(rec.SenderKey) == 0:
		return fmt.Errorf("%w: empty sender key", ErrInvalidQueue)
	case rec.Notifier != nil && len(rec.Notifier.NotifierID) == 0:
		return fmt.Errorf("%w: empty notifier id", ErrInvalidQueue)
	case rec.Status != "" && !rec.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidQueue, rec.Status)
	}
	return nil
}

// normalizeNewQueue copies rec and fills defaults.
func normalizeNewQueue(rec *QueueRec) *QueueRec {
	r := rec.Clone()
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.Notifier != nil && len(r.Notifier.NotifierKey) == 0 {
		r.Notifier.NotifierKey = nil
	}
	r.UpdatedAt = RoundTime(r.UpdatedAt)
	return r
}

// AddQueue stores a copy of rec.
func (m *MemStore) AddQueue(ctx context.Context, rec *QueueRec) (*Queue, error) {
	if err := validateNewQueue(rec); err != nil {
		return nil, err
	}
	r := normalizeNewQueue(rec)
	rid := string(r.RecipientID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[rid]; ok {
		return nil, ErrDuplicate
	}
	if _, ok := m.senders[string(r.SenderID)]; ok {
		return nil, ErrDuplicate
	}
	if r.Notifier != nil {
		if _, ok := m.notifiers[string(r.Notifier.NotifierID)]; ok {
			return nil, ErrDuplicate
		}
	}

	q := &Queue{recipientID: rid, rec: r}
	m.queues[rid] = q
	m.senders[string(r.SenderID)] = rid
	if r.Notifier != nil {
		m.notifiers[string(r.Notifier.NotifierID)] = rid
	}
	return q, nil
}

// GetQueue resolves id through the index selected by role.
func (m *MemStore) GetQueue(ctx context.Context, role Role, id []byte) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := string(id)
	switch role {
	case RoleRecipient:
	case RoleSender:
		rid, ok := m.senders[key]
		if !ok {
			return nil, ErrAuth
		}
		key = rid
	case RoleNotifier:
		rid, ok := m.notifiers[key]
		if !ok {
			return nil, ErrAuth
		}
		key = rid
	default:
		return nil, ErrAuth
	}

	q, ok := m.queues[key]
	if !ok {
		return nil, ErrAuth
	}
	return q, nil
}

// liveLocked returns the record behind q. Must be called with mu held.
func (m *MemStore) liveLocked(q *Queue) (*QueueRec, error) {
	if q == nil || q.rec == nil {
		return nil, ErrAuth
	}
	if cur, ok := m.queues[q.recipientID]; !ok || cur != q {
		return nil, ErrAuth
	}
	return q.rec, nil
}

// ReadQueue returns a snapshot of the queue record.
func (m *MemStore) ReadQueue(ctx context.Context, q *Queue) (*QueueRec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.liveLocked(q)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// SecureQueue sets the sender key if none is set yet.
func (m *MemStore) SecureQueue(ctx context.Context, q *Queue, senderKey []byte) (bool, error) {
	if len(senderKey) == 0 {
		return false, ErrAuth
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveLocked(q)
	if err != nil {
		return false, err
	}
	if rec.SenderKey != nil {
		if bytes.Equal(rec.SenderKey, senderKey) {
			return false, nil
		}
		return false, ErrAuth
	}
	rec.SenderKey = cloneBytes(senderKey)
	return true, nil
}

// AddQueueNotifier replaces the notifier binding of q with creds.
func (m *MemStore) AddQueueNotifier(ctx context.Context, q *Queue, creds *NtfCreds) ([]byte, error) {
	if creds == nil || len(creds.NotifierID) == 0 {
		return nil, fmt.Errorf("%w: empty notifier id", ErrInvalidQueue)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveLocked(q)
	if err != nil {
		return nil, err
	}
	nid := string(creds.NotifierID)
	if _, ok := m.notifiers[nid]; ok {
		return nil, ErrDuplicate
	}

	var prev []byte
	if rec.Notifier != nil {
		prev = cloneBytes(rec.Notifier.NotifierID)
		delete(m.notifiers, string(rec.Notifier.NotifierID))
	}
	rec.Notifier = creds.Clone()
	m.notifiers[nid] = q.recipientID
	return prev, nil
}

// DeleteQueueNotifier removes the notifier binding of q, if any.
func (m *MemStore) DeleteQueueNotifier(ctx context.Context, q *Queue) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveLocked(q)
	if err != nil {
		return nil, err
	}
	if rec.Notifier == nil {
		return nil, nil
	}
	nid := rec.Notifier.NotifierID
	delete(m.notifiers, string(nid))
	rec.Notifier = nil
	return nid, nil
}

// SuspendQueue marks q suspended.
func (m *MemStore) SuspendQueue(ctx context.Context, q *Queue) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveLocked(q)
	if err != nil {
		return false, err
	}
	if rec.Status == StatusSuspended {
		return false, nil
	}
	rec.Status = StatusSuspended
	return true, nil
}

// UpdateQueueTime moves UpdatedAt forward; earlier or equal times are ignored.
func (m *MemStore) UpdateQueueTime(ctx context.Context, q *Queue, t time.Time) (*QueueRec, bool, error) {
	t = RoundTime(t)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveLocked(q)
	if err != nil {
		return nil, false, err
	}
	if !t.After(rec.UpdatedAt) {
		return rec.Clone(), false, nil
	}
	rec.UpdatedAt = t
	return rec.Clone(), true, nil
}

// DeleteQueue removes q and all of its index entries.
func (m *MemStore) DeleteQueue(ctx context.Context, q *Queue) (*QueueRec, MessageQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.liveLocked(q)
	if err != nil {
		return nil, nil, err
	}
	delete(m.queues, q.recipientID)
	delete(m.senders, string(rec.SenderID))
	if rec.Notifier != nil {
		delete(m.notifiers, string(rec.Notifier.NotifierID))
	}

	mq := q.msgQueue
	q.rec = nil
	q.msgQueue = nil
	q.deleted = true
	return rec, mq, nil
}

// SetMessageQueue attaches mq to q.
func (m *MemStore) SetMessageQueue(ctx context.Context, q *Queue, mq MessageQueue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.liveLocked(q); err != nil {
		return err
	}
	q.msgQueue = mq
	return nil
}

// MessageQueue returns the handle attached to q.
func (m *MemStore) MessageQueue(ctx context.Context, q *Queue) (MessageQueue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.liveLocked(q); err != nil {
		return nil, err
	}
	return q.msgQueue, nil
}

// Queues returns snapshots of all queues ordered by recipient id.
func (m *MemStore) Queues(ctx context.Context) ([]*QueueRec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*QueueRec, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q.rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].RecipientID, out[j].RecipientID) < 0
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error {
	return nil
}

// CheckIntegrity verifies that the three indexes agree with each other.
// It returns the first inconsistency found.
func (m *MemStore) CheckIntegrity() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for rid, q := range m.queues {
		if q.rec == nil {
			return fmt.Errorf("queue %x: deleted record still indexed", rid)
		}
		if q.recipientID != rid || string(q.rec.RecipientID) != rid {
			return fmt.Errorf("queue %x: recipient id mismatch", rid)
		}
		if got, ok := m.senders[string(q.rec.SenderID)]; !ok || got != rid {
			return fmt.Errorf("queue %x: sender id %x not indexed", rid, q.rec.SenderID)
		}
		if q.rec.Notifier != nil {
			if got, ok := m.notifiers[string(q.rec.Notifier.NotifierID)]; !ok || got != rid {
				return fmt.Errorf("queue %x: notifier id %x not indexed", rid, q.rec.Notifier.NotifierID)
			}
		}
	}
	for sid, rid := range m.senders {
		q, ok := m.queues[rid]
		if !ok {
			return fmt.Errorf("sender %x: dangling entry for queue %x", sid, rid)
		}
		if string(q.rec.SenderID) != sid {
			return fmt.Errorf("sender %x: queue %x has sender %x", sid, rid, q.rec.SenderID)
		}
	}
	for nid, rid := range m.notifiers {
		q, ok := m.queues[rid]
		if !ok {
			return fmt.Errorf("notifier %x: dangling entry for queue %x", nid, rid)
		}
		if q.rec.Notifier == nil || string(q.rec.Notifier.NotifierID) != nid {
			return fmt.Errorf("notifier %x: queue %x does not hold it", nid, rid)
		}
	}
	return nil
}
