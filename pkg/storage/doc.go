// Package storage is hydra's persistence layer (C2): a single embedded
// SQLite database file holding quotas, container configs, approval
// requests, share links, migration records, activity log entries (plus
// their yearly archive), and security events.
//
// Grounded on storj.io/storj's mattn/go-sqlite3 usage and its
// CREATE-TABLE-IF-NOT-EXISTS idempotent migration idiom (spec.md §6:
// "Schema migrations on startup are idempotent CREATE-IF-NOT-EXISTS").
// The database is opened with _busy_timeout=5000 and _foreign_keys=on in
// the DSN, matching spec.md's "busy-timeout 5 s and foreign-key
// enforcement enabled" contract.
package storage
