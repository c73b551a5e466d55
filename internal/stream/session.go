// ABOUTME: Streaming response client for long-lived chunked agent replies
// ABOUTME: Accumulates content deltas, renews auth once on 401, exposes an abort handle

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stackmark/relay/internal/agentapi"
	"github.com/stackmark/relay/internal/events"
)

const defaultIdleTimeout = 2 * time.Minute

var (
	// ErrIdleTimeout is returned when no frame arrives within the idle window
	ErrIdleTimeout = errors.New("stream idle timeout")

	// ErrStreamClosed is returned when the transport closes before a
	// complete frame was processed
	ErrStreamClosed = errors.New("stream closed before completion")
)

// Callbacks receive session progress. OnChunk fires per content delta,
// OnComplete exactly once with the full accumulated text, OnError on
// terminal failure. Retry after an error frame is a policy decision left to
// the caller; this layer never auto-retries.
type Callbacks struct {
	OnChunk    func(delta string)
	OnComplete func(text string)
	OnError    func(err error)
}

// Client opens streaming send-message requests against the agent API.
type Client struct {
	baseURL     string
	tokens      agentapi.TokenSource
	bus         *events.Bus
	idleTimeout time.Duration
	httpc       *http.Client
	logger      *slog.Logger
}

// NewClient creates a streaming client. The http client carries no global
// timeout, since streams are long-lived; idleTimeout bounds frame gaps
// instead (defaulted when zero).
func NewClient(baseURL string, tokens agentapi.TokenSource, bus *events.Bus, idleTimeout time.Duration) *Client {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		tokens:      tokens,
		bus:         bus,
		idleTimeout: idleTimeout,
		httpc:       &http.Client{},
		logger:      slog.Default().With("component", "stream"),
	}
}

// Session is the ephemeral state of one streaming turn. It is bounded to a
// single request and destroyed on completion, error, or abort; completed
// results are written into the ledger by the caller, never into the queue.
type Session struct {
	ConversationID string

	mu          sync.Mutex
	accumulated strings.Builder
	complete    bool
	aborted     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Text returns the accumulated response text so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated.String()
}

// Complete reports whether the session processed a complete frame.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Abort closes the transport immediately. Safe to call at any time,
// including after completion, when it is a no-op.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.complete || s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.mu.Unlock()
	s.cancel()
}

// Done is closed when the session has terminated for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// SendMessage opens one streaming turn. On an unauthorized response before
// any content frame the client refreshes the token exactly once and
// re-issues the entire request on a fresh transport (a stream cannot be
// resumed mid-flight); the restarted stream begins from empty. A refresh
// failure propagates an auth error and publishes session invalidation.
func (c *Client) SendMessage(ctx context.Context, agentKind, conversationID, content string, cb Callbacks) (*Session, error) {
	payload, err := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"content":         content,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding stream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	token, err := c.tokens.Token(streamCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.open(streamCtx, agentKind, payload, token)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		token, err = c.tokens.Refresh(streamCtx)
		if err != nil {
			cancel()
			c.invalidateSession()
			return nil, err
		}
		c.logger.Debug("reopening stream after token refresh", "conversation_id", conversationID)
		resp, err = c.open(streamCtx, agentKind, payload, token)
		if err != nil {
			cancel()
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			cancel()
			c.invalidateSession()
			return nil, fmt.Errorf("%w: still unauthorized after refresh", agentapi.ErrAuthFailed)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: stream returned status %d", agentapi.ErrRemote, resp.StatusCode)
	}

	session := &Session{
		ConversationID: conversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	go c.consume(streamCtx, session, resp.Body, cb)
	return session, nil
}

// open issues the streaming POST and returns the raw response.
func (c *Client) open(ctx context.Context, agentKind string, payload []byte, token string) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/agents/%s/send-message", c.baseURL, agentKind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentapi.ErrRemote, err)
	}
	return resp, nil
}

// consume runs the frame loop until completion, error, idle timeout, or abort.
func (c *Client) consume(ctx context.Context, session *Session, body io.ReadCloser, cb Callbacks) {
	defer close(session.done)
	defer body.Close()
	// Release the per-stream context on every exit path so a completed
	// session does not stay registered with its parent.
	defer session.cancel()

	// Idle guard: if no frame arrives within the window, tear the
	// transport down so the blocked read returns.
	var idledOut bool
	idle := time.AfterFunc(c.idleTimeout, func() {
		session.mu.Lock()
		idledOut = true
		session.mu.Unlock()
		session.cancel()
	})
	defer idle.Stop()

	reader := NewFrameReader(body)
	for {
		frame, err := reader.Next()
		if err != nil {
			session.mu.Lock()
			aborted, idled := session.aborted, idledOut
			session.mu.Unlock()

			switch {
			case aborted:
				c.logger.Debug("stream aborted", "conversation_id", session.ConversationID)
			case idled:
				c.fail(session, cb, ErrIdleTimeout)
			case err == io.EOF:
				c.fail(session, cb, ErrStreamClosed)
			default:
				c.fail(session, cb, fmt.Errorf("reading stream: %w", err))
			}
			return
		}

		idle.Reset(c.idleTimeout)

		switch frame.Type {
		case FrameContent:
			session.mu.Lock()
			session.accumulated.WriteString(frame.Delta)
			session.mu.Unlock()
			if cb.OnChunk != nil {
				cb.OnChunk(frame.Delta)
			}

		case FrameComplete:
			session.mu.Lock()
			session.complete = true
			text := session.accumulated.String()
			session.mu.Unlock()

			c.logger.Debug("stream complete", "conversation_id", session.ConversationID, "chars", len(text))
			if cb.OnComplete != nil {
				cb.OnComplete(text)
			}
			// The turn is over; returning tears the transport down so the
			// server is not left holding an open stream.
			return

		case FrameError:
			c.fail(session, cb, fmt.Errorf("%w: %s", agentapi.ErrRemote, frame.Error))
			return
		}
	}
}

func (c *Client) fail(session *Session, cb Callbacks, err error) {
	c.logger.Warn("stream failed", "conversation_id", session.ConversationID, "error", err)
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (c *Client) invalidateSession() {
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.SessionInvalidated})
	}
}
