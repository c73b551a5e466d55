// Package store provides durable local persistence for relay using SQLite.
//
// The store is the single source of truth for the delivery subsystem. The
// in-memory caches held by the queue and ledger packages are derived views
// reconciled from here on cold start, never authoritative across restarts.
//
// Tables:
//
//   - queue: pending agent actions awaiting replay (FIFO by created_at)
//   - messages: user-authored chat messages and their delivery state
//   - cached_artifacts: generated content and analysis results for offline reads
//
// SQLite runs in WAL mode with synchronous=FULL so that an enqueue that has
// returned survives an immediate process crash.
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateID: insert or rename collided with an existing id
//
// All methods accept context.Context for cancellation support.
package store
