// ABOUTME: Optimistic message ledger tracking chat messages through their state machine
// ABOUTME: composing -> sending/queued -> sent/failed -> delivered -> read, with temp-id rename

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackmark/relay/internal/events"
	"github.com/stackmark/relay/internal/store"
)

const (
	tempIDPrefix = "tmp-"

	// confirmSeenTTL bounds how long a confirmation pair is remembered for
	// idempotency. Duplicate echoes arrive within seconds in practice.
	confirmSeenTTL     = 10 * time.Minute
	confirmSeenMaxSize = 1024
)

var (
	// ErrEmptyContent is returned when sending a message with no content
	ErrEmptyContent = errors.New("message content required")

	// ErrNotFailed is returned when retrying a message that is not failed
	ErrNotFailed = errors.New("message is not in failed state")
)

// OnlineFunc reports whether the client currently has connectivity. The
// ledger uses it only to choose between sending and queued on Send.
type OnlineFunc func() bool

// Ledger is the optimistic message ledger. It owns the messages table
// exclusively and keeps a per-conversation in-memory view, loaded lazily
// from the store and re-sorted by creation time after every mutation so that
// out-of-order network arrival never corrupts display order.
type Ledger struct {
	mu     sync.Mutex
	store  store.Store
	bus    *events.Bus
	online OnlineFunc
	byConv map[string][]*store.Message
	byID   map[string]*store.Message
	seen   *seenCache
	logger *slog.Logger
}

// New creates a ledger over the given store. online may be nil, in which case
// Send always starts messages in the sending state.
func New(st store.Store, bus *events.Bus, online OnlineFunc) *Ledger {
	return &Ledger{
		store:  st,
		bus:    bus,
		online: online,
		byConv: make(map[string][]*store.Message),
		byID:   make(map[string]*store.Message),
		seen:   newSeenCache(confirmSeenTTL, confirmSeenMaxSize),
		logger: slog.Default().With("component", "ledger"),
	}
}

// Send creates a message with a temporary client-generated id and persists it
// synchronously. The message is visible to callers before any network round
// trip: sending when online, queued when offline.
func (l *Ledger) Send(ctx context.Context, conversationID, senderID, content, kind string) (*store.Message, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	if kind == "" {
		kind = "text"
	}

	status := store.MessageStatusSending
	if l.online != nil && !l.online() {
		status = store.MessageStatusQueued
	}

	now := time.Now().UTC()
	msg := &store.Message{
		ID:             tempIDPrefix + uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Kind:           kind,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	l.mu.Lock()
	if err := l.loadConversationLocked(ctx, conversationID); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if err := l.store.InsertMessage(ctx, msg); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("persisting message: %w", err)
	}
	cached := *msg
	l.byConv[conversationID] = append(l.byConv[conversationID], &cached)
	l.byID[cached.ID] = &cached
	l.resortLocked(conversationID)
	l.mu.Unlock()

	l.logger.Info("message created", "id", msg.ID, "conversation_id", conversationID, "status", status)
	l.publishUpdated(msg.ID, conversationID)
	return msg, nil
}

// Confirm renames a temporary id to the server-assigned id and marks the
// message sent. Idempotent: a repeated confirmation of the same pair, or a
// confirmation for a realID that already exists as sent, is a no-op. The
// rename preserves list position; it is never an insert.
func (l *Ledger) Confirm(ctx context.Context, tempID, realID string) error {
	// The cache is marked only once the store writes below succeed, so a
	// transiently failed confirmation can be retried within the TTL window.
	seenKey := tempID + "->" + realID
	if l.seen.contains(seenKey) {
		l.logger.Debug("duplicate confirmation ignored", "temp_id", tempID, "real_id", realID)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// A delayed echo can arrive after the rename already happened.
	if existing, ok := l.byID[realID]; ok {
		if existing.Status == store.MessageStatusSent ||
			existing.Status == store.MessageStatusDelivered ||
			existing.Status == store.MessageStatusRead {
			l.seen.mark(seenKey)
			return nil
		}
	}

	if err := l.store.RenameMessage(ctx, tempID, realID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Nothing to rename and realID not known sent: check the store
			// before treating this as an error.
			if _, getErr := l.store.GetMessage(ctx, realID); getErr == nil {
				l.seen.mark(seenKey)
				return nil
			}
		}
		return fmt.Errorf("renaming message: %w", err)
	}
	if err := l.store.UpdateMessageStatus(ctx, realID, store.MessageStatusSent, ""); err != nil {
		return fmt.Errorf("marking message sent: %w", err)
	}
	l.seen.mark(seenKey)

	conversationID := ""
	if msg, ok := l.byID[tempID]; ok {
		delete(l.byID, tempID)
		msg.ID = realID
		msg.Status = store.MessageStatusSent
		msg.Error = ""
		msg.UpdatedAt = time.Now().UTC()
		l.byID[realID] = msg
		conversationID = msg.ConversationID
		l.resortLocked(conversationID)
	}

	l.logger.Info("message confirmed", "temp_id", tempID, "real_id", realID)
	l.publishUpdated(realID, conversationID)
	return nil
}

// Fail marks a message failed with the given cause. The message is retained
// so the user can retry.
func (l *Ledger) Fail(ctx context.Context, id string, cause error) error {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	return l.transition(ctx, id, store.MessageStatusFailed, errText)
}

// Retry resets a failed message to sending (or queued when offline) and
// clears its error. The caller re-triggers the send path.
func (l *Ledger) Retry(ctx context.Context, id string) (*store.Message, error) {
	l.mu.Lock()
	msg, ok := l.byID[id]
	l.mu.Unlock()
	if !ok {
		loaded, err := l.store.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		msg = loaded
	}
	if msg.Status != store.MessageStatusFailed {
		return nil, ErrNotFailed
	}

	status := store.MessageStatusSending
	if l.online != nil && !l.online() {
		status = store.MessageStatusQueued
	}
	if err := l.transition(ctx, id, status, ""); err != nil {
		return nil, err
	}

	result, err := l.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkDelivered transitions a sent message to delivered. Calling it on a
// message that is already delivered or read is a no-op.
func (l *Ledger) MarkDelivered(ctx context.Context, id string) error {
	l.mu.Lock()
	if msg, ok := l.byID[id]; ok {
		if msg.Status == store.MessageStatusDelivered || msg.Status == store.MessageStatusRead {
			l.mu.Unlock()
			return nil
		}
	}
	l.mu.Unlock()
	return l.transition(ctx, id, store.MessageStatusDelivered, "")
}

// MarkRead is a one-way transition; marking an already-read message is a no-op.
func (l *Ledger) MarkRead(ctx context.Context, id string) error {
	l.mu.Lock()
	if msg, ok := l.byID[id]; ok && msg.Status == store.MessageStatusRead {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.transition(ctx, id, store.MessageStatusRead, "")
}

// Messages returns the conversation's messages in non-decreasing created-at
// order. The returned slice is a copy; mutating it does not affect the ledger.
func (l *Ledger) Messages(ctx context.Context, conversationID string) ([]*store.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadConversationLocked(ctx, conversationID); err != nil {
		return nil, err
	}

	cached := l.byConv[conversationID]
	out := make([]*store.Message, len(cached))
	for i, msg := range cached {
		copied := *msg
		out[i] = &copied
	}
	return out, nil
}

// ListQueued returns messages awaiting a deferred send, oldest first. The
// drain pass re-sends these through a fresh non-streaming completion call.
func (l *Ledger) ListQueued(ctx context.Context) ([]*store.Message, error) {
	return l.store.ListMessagesByStatus(ctx, store.MessageStatusQueued)
}

// MarkSending transitions a queued message to sending at the start of its
// deferred send.
func (l *Ledger) MarkSending(ctx context.Context, id string) error {
	return l.transition(ctx, id, store.MessageStatusSending, "")
}

// RequeueSending resets messages stranded in sending back to queued so the
// next drain pass re-attempts them. A message can be left in sending by a
// crash between MarkSending and its confirmation; because the temporary id
// is reused as the idempotency key, the re-attempt cannot duplicate the send.
// Returns the number of messages requeued.
func (l *Ledger) RequeueSending(ctx context.Context) (int, error) {
	stale, err := l.store.ListMessagesByStatus(ctx, store.MessageStatusSending)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, msg := range stale {
		if err := l.transition(ctx, msg.ID, store.MessageStatusQueued, ""); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		l.logger.Info("requeued stranded sends", "count", count)
	}
	return count, nil
}

// Delete removes a message by explicit user action.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	if err := l.store.DeleteMessage(ctx, id); err != nil {
		return err
	}

	l.mu.Lock()
	if msg, ok := l.byID[id]; ok {
		delete(l.byID, id)
		conv := l.byConv[msg.ConversationID]
		for i, m := range conv {
			if m.ID == id {
				l.byConv[msg.ConversationID] = append(conv[:i], conv[i+1:]...)
				break
			}
		}
	}
	l.mu.Unlock()

	l.publishUpdated(id, "")
	return nil
}

// PurgeConversation removes every message in a conversation.
func (l *Ledger) PurgeConversation(ctx context.Context, conversationID string) (int, error) {
	count, err := l.store.PurgeConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	for _, msg := range l.byConv[conversationID] {
		delete(l.byID, msg.ID)
	}
	delete(l.byConv, conversationID)
	l.mu.Unlock()

	l.publishUpdated("", conversationID)
	return count, nil
}

// transition persists a status change and updates the in-memory view.
func (l *Ledger) transition(ctx context.Context, id string, status store.MessageStatus, errText string) error {
	if err := l.store.UpdateMessageStatus(ctx, id, status, errText); err != nil {
		return err
	}

	conversationID := ""
	l.mu.Lock()
	if msg, ok := l.byID[id]; ok {
		msg.Status = status
		msg.Error = errText
		msg.UpdatedAt = time.Now().UTC()
		conversationID = msg.ConversationID
		l.resortLocked(conversationID)
	}
	l.mu.Unlock()

	l.logger.Debug("message transition", "id", id, "status", status)
	l.publishUpdated(id, conversationID)
	return nil
}

// loadConversationLocked populates the in-memory view from the store on first
// access. Must be called with mu held.
func (l *Ledger) loadConversationLocked(ctx context.Context, conversationID string) error {
	if _, ok := l.byConv[conversationID]; ok {
		return nil
	}

	messages, err := l.store.ListConversationMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	l.byConv[conversationID] = messages
	for _, msg := range messages {
		l.byID[msg.ID] = msg
	}
	return nil
}

// resortLocked restores created-at ordering after a mutation. Must be called
// with mu held.
func (l *Ledger) resortLocked(conversationID string) {
	conv := l.byConv[conversationID]
	sort.SliceStable(conv, func(i, j int) bool {
		if conv[i].CreatedAt.Equal(conv[j].CreatedAt) {
			return conv[i].ID < conv[j].ID
		}
		return conv[i].CreatedAt.Before(conv[j].CreatedAt)
	})
}

func (l *Ledger) publishUpdated(messageID, conversationID string) {
	if l.bus != nil {
		l.bus.Publish(events.Event{
			Type:           events.MessageUpdated,
			MessageID:      messageID,
			ConversationID: conversationID,
		})
	}
}

// IsTempID reports whether an id is a client-generated temporary id.
func IsTempID(id string) bool {
	return len(id) > len(tempIDPrefix) && id[:len(tempIDPrefix)] == tempIDPrefix
}
