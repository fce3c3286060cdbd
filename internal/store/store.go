// ABOUTME: QueueStore interface and queue record types for queue-relay persistence
// ABOUTME: Defines QueueRec, NtfCreds, Role and the sentinel errors shared by every backend

package store

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// ErrAuth is returned when an operation targets an unknown, deleted or
// role-mismatched queue, or when a sender key does not match the stored one.
// The causes are deliberately indistinguishable.
var ErrAuth = errors.New("authorization failed")

// ErrDuplicate is returned when a recipient, sender or notifier id is already in use
var ErrDuplicate = errors.New("duplicate queue id")

// ErrStore is returned when the durability log could not be written.
// The in-memory mutation has already been applied when this is returned.
var ErrStore = errors.New("store log write failed")

// QueueStatus is the delivery status of a queue
type QueueStatus string

// QueueStatus constants
const (
	StatusActive    QueueStatus = "active"
	StatusSuspended QueueStatus = "suspended"
)

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended:
		return true
	}
	return false
}

// Role selects which id namespace GetQueue resolves through
type Role int

// Role constants
const (
	RoleRecipient Role = iota
	RoleSender
	RoleNotifier
)

func (r Role) String() string {
	switch r {
	case RoleRecipient:
		return "recipient"
	case RoleSender:
		return "sender"
	case RoleNotifier:
		return "notifier"
	}
	return "unknown"
}

// NtfCreds binds a notifier id and its authorization key to a queue
type NtfCreds struct {
	NotifierID  []byte
	NotifierKey []byte
}

// Clone returns a deep copy of the credentials, or nil.
func (n *NtfCreds) Clone() *NtfCreds {
	if n == nil {
		return nil
	}
	return &NtfCreds{
		NotifierID:  cloneBytes(n.NotifierID),
		NotifierKey: cloneBytes(n.NotifierKey),
	}
}

// Equal reports whether both credentials hold the same id and key.
func (n *NtfCreds) Equal(o *NtfCreds) bool {
	if n == nil || o == nil {
		return n == o
	}
	return bytes.Equal(n.NotifierID, o.NotifierID) && bytes.Equal(n.NotifierKey, o.NotifierKey)
}

// QueueRec is the durable description of one queue
type QueueRec struct {
	RecipientID  []byte
	RecipientKey []byte
	SenderID     []byte
	SenderKey    []byte    // nil until the queue is secured
	Notifier     *NtfCreds // nil when no notifier is bound
	Status       QueueStatus
	UpdatedAt    time.Time // one-second resolution, UTC; zero when unset
}

// Clone returns a deep copy of the record.
func (q *QueueRec) Clone() *QueueRec {
	if q == nil {
		return nil
	}
	return &QueueRec{
		RecipientID:  cloneBytes(q.RecipientID),
		RecipientKey: cloneBytes(q.RecipientKey),
		SenderID:     cloneBytes(q.SenderID),
		SenderKey:    cloneBytes(q.SenderKey),
		Notifier:     q.Notifier.Clone(),
		Status:       q.Status,
		UpdatedAt:    q.UpdatedAt,
	}
}

// Equal reports whether two records describe the same queue state.
func (q *QueueRec) Equal(o *QueueRec) bool {
	if q == nil || o == nil {
		return q == o
	}
	return bytes.Equal(q.RecipientID, o.RecipientID) &&
		bytes.Equal(q.RecipientKey, o.RecipientKey) &&
		bytes.Equal(q.SenderID, o.SenderID) &&
		bytes.Equal(q.SenderKey, o.SenderKey) &&
		q.Notifier.Equal(o.Notifier) &&
		q.Status == o.Status &&
		q.UpdatedAt.Equal(o.UpdatedAt)
}

// MessageQueue is the opaque per-queue handle of the external message store.
// The queue store only holds it and hands it back when the queue is deleted.
type MessageQueue interface {
	Close() error
}

// Queue is an opaque handle to a stored queue, returned by AddQueue and GetQueue.
// All reads and mutations go through the QueueStore that issued it.
type Queue struct {
	recipientID string
	rec         *QueueRec // live record; nil once deleted (MemStore only)
	msgQueue    MessageQueue
	deleted     bool
}

// RecipientID returns a copy of the queue's recipient id.
func (q *Queue) RecipientID() []byte {
	return []byte(q.recipientID)
}

// QueueStore is the queue registry. Implementations must apply every
// operation atomically across the recipient, sender and notifier indexes.
type QueueStore interface {
	// AddQueue stores a new queue; ErrDuplicate if any of its ids is in use.
	AddQueue(ctx context.Context, rec *QueueRec) (*Queue, error)
	// GetQueue resolves id in the namespace of role; ErrAuth if absent.
	GetQueue(ctx context.Context, role Role, id []byte) (*Queue, error)
	// ReadQueue returns a snapshot of the record behind q.
	ReadQueue(ctx context.Context, q *Queue) (*QueueRec, error)

	// SecureQueue sets the sender key once. changed is false when the
	// same key was already set.
	SecureQueue(ctx context.Context, q *Queue, senderKey []byte) (changed bool, err error)
	// AddQueueNotifier binds creds, returning the previously bound notifier id.
	AddQueueNotifier(ctx context.Context, q *Queue, creds *NtfCreds) (prevNotifierID []byte, err error)
	// DeleteQueueNotifier removes the notifier binding, returning its id or nil.
	DeleteQueueNotifier(ctx context.Context, q *Queue) (notifierID []byte, err error)
	// SuspendQueue marks the queue suspended.
	SuspendQueue(ctx context.Context, q *Queue) (changed bool, err error)
	// UpdateQueueTime moves UpdatedAt forward to t.
	UpdateQueueTime(ctx context.Context, q *Queue, t time.Time) (rec *QueueRec, changed bool, err error)
	// DeleteQueue removes the queue from every index and returns its last
	// state together with the detached message queue handle, if any.
	DeleteQueue(ctx context.Context, q *Queue) (*QueueRec, MessageQueue, error)

	// SetMessageQueue attaches the external message store handle to q.
	SetMessageQueue(ctx context.Context, q *Queue, mq MessageQueue) error
	// MessageQueue returns the attached handle, or nil.
	MessageQueue(ctx context.Context, q *Queue) (MessageQueue, error)

	// Queues returns snapshots of all live queues.
	Queues(ctx context.Context) ([]*QueueRec, error)

	// Close releases any resources held by the store
	Close() error
}

// RoundTime normalises a timestamp to the stored resolution.
func RoundTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.Unix(t.Unix(), 0).UTC()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
