// Package drain flushes the durable queue when connectivity returns.
//
// A drain pass is single-flight and strictly sequential: interrupted
// processing rows and stranded sending messages are requeued, the pending
// snapshot is processed in FIFO order one item at a time, then ledger
// messages held as queued are re-sent through non-streaming completion
// calls. Each queue item's id doubles as
// its idempotency key so replay after an ambiguous failure cannot duplicate
// effects server-side.
package drain
