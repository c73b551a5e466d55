// ABOUTME: Queue drain scheduler that flushes the durable queue when connectivity returns
// ABOUTME: Single-flight, strictly sequential FIFO processing with per-item idempotency keys

package drain

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/stackmark/relay/internal/agentapi"
	"github.com/stackmark/relay/internal/events"
	"github.com/stackmark/relay/internal/ledger"
	"github.com/stackmark/relay/internal/queue"
	"github.com/stackmark/relay/internal/store"
)

// ErrDrainInFlight is returned when a drain is requested while one is running.
var ErrDrainInFlight = errors.New("drain already in progress")

// DefaultAgentKind routes deferred message sends when the message itself does
// not carry one.
const DefaultAgentKind = "chat"

// Scheduler drains the durable queue and re-sends queued ledger messages
// whenever connectivity is restored. At most one drain runs at a time;
// overlapping triggers (timer, transition, manual) collapse into the running
// pass.
type Scheduler struct {
	queue     *queue.Queue
	ledger    *ledger.Ledger
	api       *agentapi.Client
	bus       *events.Bus
	agentKind string
	inflight  *semaphore.Weighted
	logger    *slog.Logger
}

// NewScheduler creates a drain scheduler. ledger may be nil when the caller
// has no deferred message sends to flush.
func NewScheduler(q *queue.Queue, l *ledger.Ledger, api *agentapi.Client, bus *events.Bus, agentKind string) *Scheduler {
	if agentKind == "" {
		agentKind = DefaultAgentKind
	}
	return &Scheduler{
		queue:     q,
		ledger:    l,
		api:       api,
		bus:       bus,
		agentKind: agentKind,
		inflight:  semaphore.NewWeighted(1),
		logger:    slog.Default().With("component", "drain"),
	}
}

// Run listens for offline-to-online transitions and drains on each. It
// returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context, transitions <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-transitions:
			if !ok {
				return
			}
			if !online {
				continue
			}
			if _, err := s.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInFlight) {
				s.logger.Error("drain after reconnect failed", "error", err)
			}
		}
	}
}

// Drain flushes the queue once: requeue interrupted processing rows, then
// process the pending snapshot strictly in FIFO order, one item at a time.
// Item failures are recorded and do not stop the pass; an auth failure stops
// it, since every remaining item would hit the same wall. Returns
// ErrDrainInFlight when a pass is already running.
func (s *Scheduler) Drain(ctx context.Context) (*events.DrainSummary, error) {
	if !s.inflight.TryAcquire(1) {
		return nil, ErrDrainInFlight
	}
	defer s.inflight.Release(1)

	requeued, err := s.queue.RequeueProcessing(ctx)
	if err != nil {
		return nil, err
	}
	if requeued > 0 {
		s.logger.Info("requeued interrupted items", "count", requeued)
	}

	items, err := s.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	summary := &events.DrainSummary{}
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if err := s.processItem(ctx, item, summary); err != nil {
			// Auth failure invalidates the whole pass.
			break
		}
	}

	if s.ledger != nil {
		s.flushQueuedMessages(ctx)
	}

	remaining, err := s.queue.ListPending(ctx)
	if err == nil {
		summary.Remaining = len(remaining)
	}

	s.logger.Info("drain complete",
		"processed", summary.Processed,
		"failed", summary.Failed,
		"remaining", summary.Remaining)
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.QueueComplete, Summary: summary})
	}
	return summary, nil
}

// processItem executes one queue item against the remote API. The queue item
// id doubles as the idempotency key so a retry after an ambiguous failure
// cannot become a duplicate effect. The returned error is non-nil only for
// failures that should abort the pass.
func (s *Scheduler) processItem(ctx context.Context, item *store.QueueItem, summary *events.DrainSummary) error {
	if err := s.queue.MarkProcessing(ctx, item.ID); err != nil {
		s.logger.Error("marking item processing", "id", item.ID, "error", err)
		summary.Failed++
		return nil
	}

	_, err := s.api.Do(ctx, item.AgentKind, item.ActionKind, item.Payload, item.ID)
	if err != nil {
		// Auth failure is a session problem, not the item's fault: leave the
		// retry budget untouched, announce invalidation, abort the pass.
		if errors.Is(err, agentapi.ErrAuthFailed) {
			s.logger.Warn("aborting drain on auth failure", "id", item.ID)
			if _, requeueErr := s.queue.RequeueProcessing(ctx); requeueErr != nil {
				s.logger.Error("requeueing after auth failure", "error", requeueErr)
			}
			if s.bus != nil {
				s.bus.Publish(events.Event{Type: events.SessionInvalidated, Error: err.Error()})
			}
			return err
		}
		if markErr := s.queue.MarkFailed(ctx, item.ID, err); markErr != nil {
			s.logger.Error("recording item failure", "id", item.ID, "error", markErr)
		}
		summary.Failed++
		return nil
	}

	if err := s.queue.MarkCompleted(ctx, item.ID); err != nil {
		s.logger.Error("marking item completed", "id", item.ID, "error", err)
		summary.Failed++
		return nil
	}
	summary.Processed++
	return nil
}

// flushQueuedMessages re-sends ledger messages held as queued while offline.
// Messages stranded in sending by an interrupted pass are requeued first,
// matching the recovery the queue gets for processing rows. Each send goes
// through a fresh non-streaming completion call; the message's temporary id
// is the idempotency key.
func (s *Scheduler) flushQueuedMessages(ctx context.Context) {
	if _, err := s.ledger.RequeueSending(ctx); err != nil {
		s.logger.Error("requeueing stranded sends", "error", err)
	}

	queued, err := s.ledger.ListQueued(ctx)
	if err != nil {
		s.logger.Error("listing queued messages", "error", err)
		return
	}

	for _, msg := range queued {
		if ctx.Err() != nil {
			return
		}

		if err := s.ledger.MarkSending(ctx, msg.ID); err != nil {
			s.logger.Error("marking message sending", "id", msg.ID, "error", err)
			continue
		}

		result, err := s.api.Complete(ctx, s.agentKind, msg.ConversationID, msg.Content, msg.ID)
		if err != nil {
			if failErr := s.ledger.Fail(ctx, msg.ID, err); failErr != nil {
				s.logger.Error("recording message failure", "id", msg.ID, "error", failErr)
			}
			if errors.Is(err, agentapi.ErrAuthFailed) {
				return
			}
			continue
		}

		realID := result.MessageID
		if realID == "" {
			// Server did not assign an id; keep the temporary one but mark sent.
			realID = msg.ID
		}
		if err := s.ledger.Confirm(ctx, msg.ID, realID); err != nil {
			s.logger.Error("confirming deferred send", "id", msg.ID, "error", err)
		}
	}
}
