// ABOUTME: Durable request queue for agent actions taken while offline
// ABOUTME: Enqueue/list/mark lifecycle with a bounded retry policy over the store

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stackmark/relay/internal/events"
	"github.com/stackmark/relay/internal/store"
)

// DefaultMaxRetries bounds automatic retries before an item becomes terminal.
const DefaultMaxRetries = 3

// ActionSendMessage is the streaming chat action. A live token stream cannot
// be replayed verbatim offline, so this action is never queueable; the ledger
// holds the outgoing message as queued and the drain pass re-sends it through
// a fresh non-streaming completion call instead.
const ActionSendMessage = "send-message"

var (
	// ErrNotQueueable is returned when enqueueing a streaming action
	ErrNotQueueable = errors.New("action is not queueable")

	// ErrInvalidAction is returned when validation fails before enqueue
	ErrInvalidAction = errors.New("invalid action")

	// ErrNotRetryable is returned when manually retrying an item that is not
	// in the terminal failed state
	ErrNotRetryable = errors.New("item is not in failed state")
)

// Queue is the durable request queue. It owns the queue table exclusively;
// rows are mutated only through the methods here.
type Queue struct {
	store      store.Store
	bus        *events.Bus
	maxRetries int
	logger     *slog.Logger
}

// New creates a queue over the given store. Events are published to bus on
// every mutation; pass nil to disable publication.
func New(st store.Store, bus *events.Bus) *Queue {
	return &Queue{
		store:      st,
		bus:        bus,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default().With("component", "queue"),
	}
}

// SetMaxRetries overrides the automatic retry bound. Zero or negative values
// keep the default.
func (q *Queue) SetMaxRetries(n int) {
	if n > 0 {
		q.maxRetries = n
	}
}

// Enqueue validates and persists a new pending item, returning its id. The
// row is durable before Enqueue returns. Validation failures are rejected
// synchronously and never enter the queue.
func (q *Queue) Enqueue(ctx context.Context, agentKind, actionKind string, payload json.RawMessage) (string, error) {
	if agentKind == "" {
		return "", fmt.Errorf("%w: agent kind required", ErrInvalidAction)
	}
	if actionKind == "" {
		return "", fmt.Errorf("%w: action kind required", ErrInvalidAction)
	}
	if actionKind == ActionSendMessage {
		return "", ErrNotQueueable
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload must be valid JSON", ErrInvalidAction)
	}

	item := &store.QueueItem{
		ID:         uuid.New().String(),
		AgentKind:  agentKind,
		ActionKind: actionKind,
		Payload:    payload,
		Status:     store.QueueStatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	if err := q.store.InsertQueueItem(ctx, item); err != nil {
		return "", fmt.Errorf("enqueueing action: %w", err)
	}

	q.logger.Info("enqueued action", "id", item.ID, "agent_kind", agentKind, "action_kind", actionKind)
	q.publish(events.Event{Type: events.QueueAdded, ItemID: item.ID})
	return item.ID, nil
}

// ListPending returns pending items in FIFO order (created_at ascending).
func (q *Queue) ListPending(ctx context.Context) ([]*store.QueueItem, error) {
	return q.store.ListQueueItemsByStatus(ctx, store.QueueStatusPending)
}

// ListFailed returns terminally failed items retained for inspection.
func (q *Queue) ListFailed(ctx context.Context) ([]*store.QueueItem, error) {
	return q.store.ListQueueItemsByStatus(ctx, store.QueueStatusFailed)
}

// MarkProcessing transitions an item to processing for the current drain pass.
func (q *Queue) MarkProcessing(ctx context.Context, id string) error {
	item, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	return q.store.UpdateQueueItem(ctx, id, store.QueueStatusProcessing, item.RetryCount, item.LastError)
}

// MarkCompleted deletes the item's row and emits queue:processed.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	if err := q.store.DeleteQueueItem(ctx, id); err != nil {
		return err
	}
	q.logger.Info("completed queue item", "id", id)
	q.publish(events.Event{Type: events.QueueProcessed, ItemID: id})
	return nil
}

// MarkFailed records a failure. While the retry count stays below the bound
// the item is requeued as pending with the error recorded; at the bound it
// transitions to terminal failed and is never retried automatically again.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	item, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	retryCount := item.RetryCount + 1
	status := store.QueueStatusPending
	if retryCount >= q.maxRetries {
		status = store.QueueStatusFailed
	}

	if err := q.store.UpdateQueueItem(ctx, id, status, retryCount, errText); err != nil {
		return err
	}

	if status == store.QueueStatusFailed {
		q.logger.Warn("queue item failed terminally", "id", id, "retry_count", retryCount, "error", errText)
	} else {
		q.logger.Info("queue item requeued after failure", "id", id, "retry_count", retryCount, "error", errText)
	}
	q.publish(events.Event{Type: events.QueueFailed, ItemID: id, Error: errText})
	return nil
}

// RetryFailed resets a terminally failed item to pending with a fresh retry
// budget. Only user-initiated retry may revive a failed item.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	item, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != store.QueueStatusFailed {
		return ErrNotRetryable
	}

	if err := q.store.UpdateQueueItem(ctx, id, store.QueueStatusPending, 0, ""); err != nil {
		return err
	}

	q.logger.Info("failed queue item manually retried", "id", id)
	q.publish(events.Event{Type: events.QueueAdded, ItemID: id})
	return nil
}

// RequeueProcessing resets processing leftovers from an interrupted drain
// back to pending. Called at the start of every drain pass.
func (q *Queue) RequeueProcessing(ctx context.Context) (int, error) {
	return q.store.RequeueProcessing(ctx)
}

func (q *Queue) publish(event events.Event) {
	if q.bus != nil {
		q.bus.Publish(event)
	}
}
