// ABOUTME: Typed process-local pub/sub bus for relay domain events
// ABOUTME: Fan-out with per-subscriber buffered channels and non-blocking publish

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Type identifies a domain event
type Type string

const (
	QueueAdded          Type = "queue:added"
	QueueProcessed      Type = "queue:processed"
	QueueFailed         Type = "queue:failed"
	QueueComplete       Type = "queue:complete"
	MessageUpdated      Type = "message:updated"
	ConnectivityChanged Type = "connectivity:changed"
	SessionInvalidated  Type = "session:invalidated"
)

// DrainSummary reports the outcome of one drain pass
type DrainSummary struct {
	Processed int
	Failed    int
	Remaining int
}

// Event is a single domain event published at the subsystem boundary.
// Only the fields relevant to the event type are set.
type Event struct {
	Type           Type
	ItemID         string // queue:* events
	MessageID      string // message:updated
	ConversationID string // message:updated
	Online         bool   // connectivity:changed
	Summary        *DrainSummary
	Error          string
	Timestamp      time.Time
}

// Bus provides in-memory fan-out of domain events to subscribers.
// Publication is fire-and-forget and never part of a transactional contract:
// events are dropped for subscribers whose channels are full.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	logger *slog.Logger
}

type subscription struct {
	ch    chan Event
	types map[Type]struct{} // nil means all types
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for the given event types (all types if
// none are given). Returns a receive channel and a subscription id. The
// subscription is automatically cleaned up when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, types ...Type) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscription{ch: make(chan Event, subscriberBufferSize)}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish sends an event to all matching subscribers. Non-blocking: events
// are dropped for subscribers whose channels are full. The read lock is held
// across the sends; channels are only closed under the write lock, so a
// concurrent Unsubscribe cannot close a channel mid-send.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return
	}
	delete(b.subs, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, subID)
	}
}
