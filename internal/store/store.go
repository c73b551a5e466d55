// ABOUTME: Store interface and data types for relay persistence
// ABOUTME: Defines QueueItem, Message, Artifact structs and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateID is returned when inserting a row whose id already exists
var ErrDuplicateID = errors.New("duplicate id")

// QueueStatus is the lifecycle state of a queued action
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem represents a durable pending agent action.
// Completed items are deleted; failed items are retained for inspection
// and manual retry.
type QueueItem struct {
	ID         string
	AgentKind  string
	ActionKind string
	Payload    json.RawMessage
	Status     QueueStatus
	CreatedAt  time.Time
	RetryCount int
	LastError  string
}

// MessageStatus is the lifecycle state of a user-authored chat message
type MessageStatus string

const (
	// Composing is the UI draft state. Drafts live outside the store; the
	// ledger persists a message directly as sending or queued, so this value
	// documents the full state machine but is never written by this process.
	MessageStatusComposing MessageStatus = "composing"
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Message represents a single chat message within a conversation.
// Messages are created with a temporary client-generated id which is
// renamed in place once the server assigns a real id.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Kind           string // "text", "generated", "analysis"
	Status         MessageStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Error          string
}

// Artifact is a cached generated-content or analysis result, readable offline
type Artifact struct {
	ID         string
	Type       string
	Payload    json.RawMessage
	CampaignID string
	ProductID  string
	CreatedAt  time.Time
}

// Store defines the interface for queue, message, and artifact persistence
type Store interface {
	// Queue items
	InsertQueueItem(ctx context.Context, item *QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	ListQueueItemsByStatus(ctx context.Context, status QueueStatus) ([]*QueueItem, error)
	UpdateQueueItem(ctx context.Context, id string, status QueueStatus, retryCount int, lastError string) error
	DeleteQueueItem(ctx context.Context, id string) error
	RequeueProcessing(ctx context.Context) (int, error)

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListConversationMessages(ctx context.Context, conversationID string) ([]*Message, error)
	ListMessagesByStatus(ctx context.Context, status MessageStatus) ([]*Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, errText string) error
	RenameMessage(ctx context.Context, oldID, newID string) error
	DeleteMessage(ctx context.Context, id string) error
	PurgeConversation(ctx context.Context, conversationID string) (int, error)

	// Cached artifacts
	InsertArtifact(ctx context.Context, artifact *Artifact) error
	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	ListArtifactsByCampaign(ctx context.Context, campaignID string) ([]*Artifact, error)
	ListArtifactsByProduct(ctx context.Context, productID string) ([]*Artifact, error)
	DeleteArtifactsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases any resources held by the store
	Close() error
}
