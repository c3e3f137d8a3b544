// Package broadcast is the fan-out dispatch engine: it delivers one
// administrator-authored message to many recipients over a rate-limited
// transport.
//
// # Intake
//
// Enqueue validates a Draft, assigns an id and writes the message twice:
// into the in-process working pool and onto the durable job backend under
// Topic. Either copy may reach the executor first.
//
// # Scheduling
//
// Two schedulers compete for every message. The fast path ticks on a short
// interval and advances the earliest-due pending pool entry. The durable
// worker consumes the persisted copy and survives restarts. Both must win
// the claim store's pending -> processing transition before dispatching,
// so a message is executed by at most one of them.
//
// # Cancellation
//
// Cancel writes a pending -> cancelled tombstone in the same claim store.
// It only succeeds while the message is still pending, and the durable
// worker skips tombstoned messages.
//
// # Delivery semantics
//
// At-least-once across crashes, at most one transport call per recipient
// per dispatch cycle. Every completed dispatch leaves exactly one history
// entry.
package broadcast
