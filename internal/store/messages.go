// ABOUTME: Message table operations for the optimistic message ledger
// ABOUTME: Includes the atomic temp-id to server-id rename used on confirmation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertMessage persists a new message row.
// Returns ErrDuplicateID if the id already exists.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	kind := msg.Kind
	if kind == "" {
		kind = "text"
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, kind, status, created_at, updated_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
		kind,
		string(msg.Status),
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		msg.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullString(msg.Error),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("inserted message", "id", msg.ID, "conversation_id", msg.ConversationID, "status", msg.Status)
	return nil
}

// GetMessage retrieves a message by id.
// Returns ErrNotFound if no row exists.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, kind, status, created_at, updated_at, error
		FROM messages
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListConversationMessages retrieves all messages for a conversation in
// chronological order (created_at ascending, id as tiebreaker).
func (s *SQLiteStore) ListConversationMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, kind, status, created_at, updated_at, error
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`
	return s.queryMessages(ctx, query, conversationID)
}

// ListMessagesByStatus retrieves messages in a given status across all
// conversations, oldest first. Used by the drain pass to find queued sends.
func (s *SQLiteStore) ListMessagesByStatus(ctx context.Context, status MessageStatus) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, kind, status, created_at, updated_at, error
		FROM messages
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`
	return s.queryMessages(ctx, query, string(status))
}

// UpdateMessageStatus sets the status and error of a message and bumps
// updated_at. Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, errText string) error {
	query := `UPDATE messages SET status = ?, error = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		nullString(errText),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated message status", "id", id, "status", status)
	return nil
}

// RenameMessage replaces a message's id in place. This is a rename, not an
// insert: created_at and list position are preserved. Returns ErrNotFound if
// oldID doesn't exist and ErrDuplicateID if newID is already taken.
func (s *SQLiteStore) RenameMessage(ctx context.Context, oldID, newID string) error {
	query := `UPDATE messages SET id = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		newID,
		time.Now().UTC().Format(time.RFC3339Nano),
		oldID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("renaming message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("renamed message", "old_id", oldID, "new_id", newID)
	return nil
}

// DeleteMessage removes a message row.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted message", "id", id)
	return nil
}

// PurgeConversation deletes all messages in a conversation and returns the
// number of rows removed.
func (s *SQLiteStore) PurgeConversation(ctx context.Context, conversationID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("purging conversation: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	s.logger.Debug("purged conversation", "conversation_id", conversationID, "count", rowsAffected)
	return int(rowsAffected), nil
}

// queryMessages executes a message query and scans all rows
func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// scanMessage scans a message row from either a Row or Rows scan function
func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var msg Message
	var status, createdAtStr, updatedAtStr string
	var errText sql.NullString

	if err := scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.Kind,
		&status,
		&createdAtStr,
		&updatedAtStr,
		&errText,
	); err != nil {
		return nil, err
	}

	msg.Status = MessageStatus(status)
	if errText.Valid {
		msg.Error = errText.String
	}

	var err error
	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	msg.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &msg, nil
}
