// Package relay ties the queue store to its durability log.
//
// Service is what command handlers call. Each mutation is applied to the
// QueueStore first and, when it changed state, appended to the store log.
// A failed append returns an error matching store.ErrStore while the change
// stays applied in memory.
//
// Bootstrap builds a Relay from configuration: it opens the backend, takes
// the log lock, replays the log into a memory store, optionally compacts it,
// and opens the append writer.
//
// Expirer deletes queues without activity for longer than
// expiration.inactive_ttl, through Service so the deletions are journaled.
package relay
