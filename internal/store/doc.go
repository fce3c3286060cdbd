// Package store provides the queue registry of the relay.
//
// # Architecture
//
// QueueStore is the single interface; two implementations exist:
//
//   - MemStore: in-memory maps guarded by one RWMutex. Durability comes from
//     the store log (package storelog), which is replayed into an empty
//     MemStore at startup.
//   - SQLiteStore: one SQLite table using modernc.org/sqlite. Durable on its
//     own; every operation runs in a single transaction.
//
// # Indexes
//
// Every queue is reachable by three ids:
//
//   - recipient id: primary key, owns the record
//   - sender id: one per queue
//   - notifier id: zero or one per queue
//
// All three namespaces are disjoint between queues, and every operation that
// changes ids updates all affected indexes atomically. A rejected operation
// leaves the store unchanged.
//
// # Handles
//
// AddQueue and GetQueue return a *Queue handle. Operations on a handle whose
// queue has been deleted fail with ErrAuth, as do lookups of unknown ids, so
// callers cannot distinguish "missing" from "not yours".
//
// # Errors
//
//   - ErrAuth: unknown id, deleted queue, or sender key mismatch
//   - ErrDuplicate: an id of a new queue or notifier is already in use
//   - ErrInvalidQueue: a required field is empty
//   - ErrStore: the change was applied but could not be journaled
//
// # Time
//
// Timestamps are stored with one second resolution in UTC (see RoundTime).
// UpdatedAt only moves forward.
package store
