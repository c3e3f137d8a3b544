// Package storage is castbot's SQLite persistence layer.
//
// One database file holds:
//   - history: one immutable summary row per completed broadcast
//   - accounts: recipient reachability
//   - jobs: the durable job backend queue
//   - claims: the dispatch claim/tombstone state machine
package storage
