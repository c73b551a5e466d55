// ABOUTME: HTTP client for the remote agent API's request/response endpoints
// ABOUTME: Bearer auth with one 401 refresh-and-retry and idempotency key echo

package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRemote is returned for non-auth remote failures; these are transient
// from the queue's perspective and count against its retry budget.
var ErrRemote = errors.New("remote agent error")

// Client calls the remote agent API's non-streaming endpoints. Streaming
// send-message turns go through the stream package, which shares this
// client's token source.
type Client struct {
	baseURL string
	tokens  TokenSource
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates an agent API client for the given base URL.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpc:   &http.Client{Timeout: timeout},
		logger:  slog.Default().With("component", "agentapi"),
	}
}

// Do executes one agent action and returns the response body. The
// idempotency key (the originating queue item id) is echoed in a header so
// at-least-once replay cannot become duplicate effects server-side.
func (c *Client) Do(ctx context.Context, agentKind, actionKind string, payload json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/agents/%s/%s", c.baseURL, url.PathEscape(agentKind), url.PathEscape(actionKind))

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, status, err := c.post(ctx, endpoint, token, payload, idempotencyKey)
	if err != nil {
		return nil, err
	}

	// Exactly one refresh-and-retry on an unauthorized response.
	if status == http.StatusUnauthorized {
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("retrying request after token refresh", "agent_kind", agentKind, "action_kind", actionKind)
		body, status, err = c.post(ctx, endpoint, token, payload, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: still unauthorized after refresh", ErrAuthFailed)
		}
	}

	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: %s/%s returned status %d", ErrRemote, agentKind, actionKind, status)
	}

	return body, nil
}

// CompletionResult is the remote acknowledgment of a deferred message send.
type CompletionResult struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// Complete performs a non-streaming completion call for a message that was
// held as queued while offline. This is the deferred-send path; a recorded
// token stream is never replayed.
func (c *Client) Complete(ctx context.Context, agentKind, conversationID, content, idempotencyKey string) (*CompletionResult, error) {
	payload, err := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"content":         content,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	body, err := c.Do(ctx, agentKind, "complete", payload, idempotencyKey)
	if err != nil {
		return nil, err
	}

	var result CompletionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding completion response: %w", err)
	}
	return &result, nil
}

// post issues one POST and returns the body and status. Transport-level
// failures (connection refused, timeout) are returned as errors; HTTP error
// statuses are returned to the caller for policy decisions.
func (c *Client) post(ctx context.Context, endpoint, token string, payload json.RawMessage, idempotencyKey string) (json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response: %v", ErrRemote, err)
	}
	return body, resp.StatusCode, nil
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Tokens returns the client's token source, shared with the stream client.
func (c *Client) Tokens() TokenSource { return c.tokens }
