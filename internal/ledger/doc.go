// Package ledger implements the optimistic message ledger.
//
// # Overview
//
// Outgoing chat messages appear in the conversation immediately, before any
// network round trip, carrying a temporary client-generated id. When the
// server acknowledges the send, the temporary id is renamed in place to the
// server-assigned id; the rename is never an insert, so the message keeps
// its position.
//
// # State machine
//
//	composing ──▶ sending ──▶ sent ──▶ delivered ──▶ read
//	     │            │
//	     │            ▼
//	     └──▶ queued  failed ──▶ (retry) sending/queued
//
// Messages sent while offline start as queued and are re-sent by the drain
// pass through a non-streaming completion call. Delivered and read are
// one-way transitions.
//
// # Ordering
//
// The per-conversation view is re-sorted by creation time after every
// mutation, so confirmations and receipts arriving out of order never
// corrupt display order.
//
// # Idempotency
//
// Confirmations are deduplicated two ways: a TTL cache of recently seen
// (tempID, realID) pairs absorbs rapid duplicate echoes, and a confirmation
// whose realID already exists as sent or later is a no-op regardless of
// cache state.
package ledger
