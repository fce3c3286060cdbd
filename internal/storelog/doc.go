// Package storelog is the append-only durability log of the queue store.
//
// # Format
//
// One record per line, in commit order. A line is a tag followed by
// space-separated key=value fields; byte strings are unpadded base64url and
// timestamps are unix seconds:
//
//	CREATE rid=cjE rk=cms sid=czE status=active
//	SECURE rid=cjE sk=a2V5Qg
//	NOTIFIER rid=cjE nid=bjE nk=a2V5Qw
//	DELETE_NOTIFIER rid=cjE
//	SUSPEND rid=cjE
//	UPDATE_TIME rid=cjE t=1760000000
//	DELETE rid=cjE
//
// # Replay
//
// Replay applies each line through the same QueueStore operations the live
// relay uses. Malformed lines and records the store rejects are logged with
// their line number and skipped.
//
// # Ownership
//
// Open takes an exclusive lock on "<path>.lock" for the lifetime of the
// process. Compact rewrites the log as one CREATE line per live queue and
// keeps the previous file as "<path>.<timestamp>".
package storelog
