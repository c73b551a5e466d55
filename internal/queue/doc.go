// Package queue implements the durable offline action queue.
//
// # Overview
//
// Actions taken while the client has no connectivity are persisted as queue
// items and replayed later by the drain scheduler. Items are processed in
// FIFO order by creation time.
//
// # Lifecycle
//
// Items move through four states:
//
//	pending ──▶ processing ──▶ (deleted on success)
//	   ▲             │
//	   └─────────────┘ failure below the retry bound
//	                 │
//	                 ▼
//	              failed     at the retry bound; manual retry only
//
// A completed item leaves no row behind. A terminally failed item is
// retained with its last error so the user can inspect and retry it.
//
// # Queueability
//
// Only idempotent-safe request/response actions are queueable. The streaming
// chat action is rejected at enqueue time with ErrNotQueueable: a live token
// stream cannot be replayed, so outgoing chat messages are deferred through
// the message ledger instead.
//
// # Durability
//
// Enqueue returns only after the row is committed. A crash after Enqueue
// never loses the action; a crash mid-drain leaves processing rows that are
// reset to pending at the start of the next pass.
package queue
