// Package config handles configuration loading for queue-relay.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from QUEUE_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/queue-relay/config.yaml
//  3. ~/.config/queue-relay/config.yaml
//
// A file whose name ends in .toml is decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	store_log:
//	  path: "${QUEUE_RELAY_DATA}/queues.log"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	expiration:
//	  inactive_ttl: "4320h"
//	  check_interval: "6h"
//
// # Configuration Sections
//
// Store backend:
//
//	store:
//	  backend: "memory"         # memory or sqlite
//	  sqlite_path: "queues.db"  # sqlite only
//
// Durability log:
//
//	store_log:
//	  path: "/var/lib/queue-relay/queues.log"
//	  compact_on_start: true
//	  keep_backups: 5
//	  sync: false
//
// The memory backend requires store_log.path. With the sqlite backend the log
// is optional and is written as an audit trail only.
//
// # Validation
//
// Validate returns the first problem found; Load calls it after parsing.
package config
