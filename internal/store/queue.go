// ABOUTME: Queue table operations for durable pending agent actions
// ABOUTME: Insert/list/update/delete plus crash-recovery requeue of processing rows

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertQueueItem persists a new queue row. The write is durable before the
// call returns. Returns ErrDuplicateID if the id already exists.
func (s *SQLiteStore) InsertQueueItem(ctx context.Context, item *QueueItem) error {
	query := `
		INSERT INTO queue (id, agent_kind, action_kind, payload, status, created_at, retry_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.AgentKind,
		item.ActionKind,
		string(item.Payload),
		string(item.Status),
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
		item.RetryCount,
		nullString(item.LastError),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting queue item: %w", err)
	}

	s.logger.Debug("inserted queue item", "id", item.ID, "agent_kind", item.AgentKind, "action_kind", item.ActionKind)
	return nil
}

// GetQueueItem retrieves a queue item by id.
// Returns ErrNotFound if no row exists.
func (s *SQLiteStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	query := `
		SELECT id, agent_kind, action_kind, payload, status, created_at, retry_count, error
		FROM queue
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	item, err := scanQueueItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue item: %w", err)
	}
	return item, nil
}

// ListQueueItemsByStatus retrieves queue items in FIFO order (created_at
// ascending, id as tiebreaker).
func (s *SQLiteStore) ListQueueItemsByStatus(ctx context.Context, status QueueStatus) ([]*QueueItem, error) {
	query := `
		SELECT id, agent_kind, action_kind, payload, status, created_at, retry_count, error
		FROM queue
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("querying queue items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning queue row: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue rows: %w", err)
	}
	return items, nil
}

// UpdateQueueItem sets the status, retry count, and last error of a queue item.
// Returns ErrNotFound if the item doesn't exist.
func (s *SQLiteStore) UpdateQueueItem(ctx context.Context, id string, status QueueStatus, retryCount int, lastError string) error {
	query := `UPDATE queue SET status = ?, retry_count = ?, error = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, string(status), retryCount, nullString(lastError), id)
	if err != nil {
		return fmt.Errorf("updating queue item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated queue item", "id", id, "status", status, "retry_count", retryCount)
	return nil
}

// DeleteQueueItem removes a queue row.
// Returns ErrNotFound if the item doesn't exist.
func (s *SQLiteStore) DeleteQueueItem(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting queue item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted queue item", "id", id)
	return nil
}

// RequeueProcessing resets all processing rows back to pending. A row left in
// processing without resolution is resumable, not poisoned: a restart mid-drain
// picks it up on the next pass. Returns the number of rows requeued.
func (s *SQLiteStore) RequeueProcessing(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ? WHERE status = ?`,
		string(QueueStatusPending), string(QueueStatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("requeueing processing items: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		s.logger.Info("requeued processing items", "count", rowsAffected)
	}
	return int(rowsAffected), nil
}

// scanQueueItem scans a queue row from either a Row or Rows scan function
func scanQueueItem(scan func(dest ...any) error) (*QueueItem, error) {
	var item QueueItem
	var payload, status, createdAtStr string
	var lastError sql.NullString

	if err := scan(
		&item.ID,
		&item.AgentKind,
		&item.ActionKind,
		&payload,
		&status,
		&createdAtStr,
		&item.RetryCount,
		&lastError,
	); err != nil {
		return nil, err
	}

	item.Payload = []byte(payload)
	item.Status = QueueStatus(status)
	if lastError.Valid {
		item.LastError = lastError.String
	}

	var err error
	item.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &item, nil
}
