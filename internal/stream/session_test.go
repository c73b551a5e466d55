// ABOUTME: Tests for the streaming session client
// ABOUTME: Covers accumulation, 401 reissue, abort, idle timeout, and error frames

package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmark/relay/internal/agentapi"
	"github.com/stackmark/relay/internal/events"
)

type fakeTokens struct {
	mu         sync.Mutex
	token      string
	refreshed  int
	refreshErr error
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.token = "refreshed-token"
	return f.token, nil
}

func (f *fakeTokens) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshed
}

func writeFrame(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type capture struct {
	mu       sync.Mutex
	chunks   []string
	complete []string
	errs     []error
}

func (c *capture) callbacks() Callbacks {
	return Callbacks{
		OnChunk: func(delta string) {
			c.mu.Lock()
			c.chunks = append(c.chunks, delta)
			c.mu.Unlock()
		},
		OnComplete: func(text string) {
			c.mu.Lock()
			c.complete = append(c.complete, text)
			c.mu.Unlock()
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		},
	}
}

func waitDone(t *testing.T, session *Session) {
	t.Helper()
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestSendMessage_AccumulatesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/chat/send-message", r.URL.Path)
		writeFrame(w, "content", `{"delta":"Hel"}`)
		writeFrame(w, "content", `{"delta":"lo"}`)
		writeFrame(w, "complete", `{}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, &fakeTokens{token: "t1"}, nil, 0)
	var cap capture

	session, err := client.SendMessage(context.Background(), "chat", "conv-1", "hi", cap.callbacks())
	require.NoError(t, err)
	waitDone(t, session)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Equal(t, []string{"Hel", "lo"}, cap.chunks)
	require.Len(t, cap.complete, 1)
	assert.Equal(t, "Hello", cap.complete[0])
	assert.Empty(t, cap.errs)
	assert.True(t, session.Complete())
	assert.Equal(t, "Hello", session.Text())
}

func TestSendMessage_ReleasesTransportAfterComplete(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, "content", `{"delta":"done"}`)
		writeFrame(w, "complete", `{}`)
		// Hold the connection open; only the client tearing the request
		// down ends it.
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, &fakeTokens{token: "t1"}, nil, 0)
	var cap capture

	session, err := client.SendMessage(context.Background(), "chat", "conv-1", "hi", cap.callbacks())
	require.NoError(t, err)
	waitDone(t, session)

	// A completed session must cancel its request context rather than leave
	// the stream dangling until the parent context ends.
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not released after completion")
	}
	assert.True(t, session.Complete())
}

func TestSendMessage_ReissuesAfterUnauthorized(t *testing.T) {
	var requests int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		first := requests == 1
		mu.Unlock()

		if first {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer refreshed-token", r.Header.Get("Authorization"))
		writeFrame(w, "content", `{"delta":"ok"}`)
		writeFrame(w, "complete", `{}`)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale"}
	client := NewClient(srv.URL, tokens, nil, 0)
	var cap capture

	session, err := client.SendMessage(context.Background(), "chat", "conv-1", "hi", cap.callbacks())
	require.NoError(t, err)
	waitDone(t, session)

	assert.Equal(t, 1, tokens.refreshCount())
	cap.mu.Lock()
	defer cap.mu.Unlock()
	require.Len(t, cap.complete, 1)
	assert.Equal(t, "ok", cap.complete[0])
}

func TestSendMessage_RefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	bus := events.NewBus(nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	invalidated, _ := bus.Subscribe(ctx, events.SessionInvalidated)

	tokens := &fakeTokens{token: "stale", refreshErr: agentapi.ErrAuthFailed}
	client := NewClient(srv.URL, tokens, bus, 0)

	_, err := client.SendMessage(ctx, "chat", "conv-1", "hi", Callbacks{})
	require.ErrorIs(t, err, agentapi.ErrAuthFailed)

	select {
	case event := <-invalidated:
		assert.Equal(t, events.SessionInvalidated, event.Type)
	case <-time.After(time.Second):
		t.Fatal("no session invalidation published")
	}
}

func TestSendMessage_ErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, "content", `{"delta":"partial"}`)
		writeFrame(w, "error", `{"error":"model overloaded"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, &fakeTokens{token: "t1"}, nil, 0)
	var cap capture

	session, err := client.SendMessage(context.Background(), "chat", "conv-1", "hi", cap.callbacks())
	require.NoError(t, err)
	waitDone(t, session)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Empty(t, cap.complete)
	require.Len(t, cap.errs, 1)
	assert.ErrorIs(t, cap.errs[0], agentapi.ErrRemote)
	assert.Contains(t, cap.errs[0].Error(), "model overloaded")
}

func TestSendMessage_ClosedBeforeComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, "content", `{"delta":"half a resp"}`)
		// Handler returns: connection closes without a complete frame.
	}))
	defer srv.Close()

	client := NewClient(srv.URL, &fakeTokens{token: "t1"}, nil, 0)
	var cap capture

	session, err := client.SendMessage(context.Background(), "chat", "conv-1", "hi", cap.callbacks())
	require.NoError(t, err)
	waitDone(t, session)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Empty(t, cap.complete)
	require.Len(t, cap.errs, 1)
	assert.ErrorIs(t, cap.errs[0], ErrStreamClosed)
	// The partial text remains inspectable for recovery UI.
	assert.Equal(t, "half a resp", session.Text())
}

func TestSendMessage_Abort(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, "content", `{"delta":"begin"}`)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(srv.URL, &fakeTokens{token: "t1"}, nil, 0)
	var cap capture

	session, err := client.SendMessage(context.Background(), "chat", "conv-1", "hi", cap.callbacks())
	require.NoError(t, err)

	<-started
	session.Abort()
	waitDone(t, session)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Empty(t, cap.complete)
	assert.Empty(t, cap.errs, "abort is not an error")

	// Abort after termination stays safe.
	session.Abort()
}

func TestSendMessage_IdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, "content", `{"delta":"then silence"}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(srv.URL, &fakeTokens{token: "t1"}, nil, 50*time.Millisecond)
	var cap capture

	session, err := client.SendMessage(context.Background(), "chat", "conv-1", "hi", cap.callbacks())
	require.NoError(t, err)
	waitDone(t, session)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	require.Len(t, cap.errs, 1)
	assert.ErrorIs(t, cap.errs[0], ErrIdleTimeout)
}
