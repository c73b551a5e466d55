// ABOUTME: Tests for the durable action queue
// ABOUTME: Covers enqueue validation, the bounded retry policy, and manual retry

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmark/relay/internal/store"
)

func setupTestQueue(t *testing.T) (*Queue, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil), st
}

func TestEnqueue(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "campaign", "save-draft", json.RawMessage(`{"title":"q3 launch"}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, store.QueueStatusPending, pending[0].Status)
	assert.Equal(t, 0, pending[0].RetryCount)
}

func TestEnqueue_Validation(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()
	valid := json.RawMessage(`{}`)

	_, err := q.Enqueue(ctx, "", "save-draft", valid)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = q.Enqueue(ctx, "campaign", "", valid)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = q.Enqueue(ctx, "campaign", "save-draft", json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = q.Enqueue(ctx, "campaign", "save-draft", nil)
	assert.ErrorIs(t, err, ErrInvalidAction)

	// Nothing invalid may reach the store.
	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEnqueue_StreamingActionRejected(t *testing.T) {
	q, _ := setupTestQueue(t)

	_, err := q.Enqueue(context.Background(), "chat", ActionSendMessage, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotQueueable)
}

func TestMarkCompleted_DeletesRow(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "campaign", "save-draft", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.MarkProcessing(ctx, id))
	require.NoError(t, q.MarkCompleted(ctx, id))

	_, err = st.GetQueueItem(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkFailed_RetryBound(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "campaign", "save-draft", json.RawMessage(`{}`))
	require.NoError(t, err)

	cause := errors.New("connection reset")

	// Failures below the bound requeue as pending.
	for i := 1; i < DefaultMaxRetries; i++ {
		require.NoError(t, q.MarkFailed(ctx, id, cause))

		item, err := st.GetQueueItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.QueueStatusPending, item.Status)
		assert.Equal(t, i, item.RetryCount)
		assert.Equal(t, "connection reset", item.LastError)
	}

	// The failure at the bound is terminal.
	require.NoError(t, q.MarkFailed(ctx, id, cause))

	item, err := st.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.QueueStatusFailed, item.Status)
	assert.Equal(t, DefaultMaxRetries, item.RetryCount)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "terminal items must not drain automatically")
}

func TestRetryFailed(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "campaign", "save-draft", json.RawMessage(`{}`))
	require.NoError(t, err)
	for i := 0; i < DefaultMaxRetries; i++ {
		require.NoError(t, q.MarkFailed(ctx, id, errors.New("boom")))
	}

	require.NoError(t, q.RetryFailed(ctx, id))

	item, err := st.GetQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.QueueStatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount, "manual retry resets the budget")
	assert.Empty(t, item.LastError)
}

func TestRetryFailed_NotFailed(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "campaign", "save-draft", json.RawMessage(`{}`))
	require.NoError(t, err)

	err = q.RetryFailed(ctx, id)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRequeueProcessing(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "campaign", "save-draft", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))

	n, err := q.RequeueProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
}
