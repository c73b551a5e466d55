// ABOUTME: Bearer credential management with one-shot refresh for the agent API
// ABOUTME: Inspects JWT expiry locally to refresh proactively before requests

package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthFailed is returned when the refresh credential is rejected. The
// caller surfaces it as a session-invalidation event, never as a queue retry.
var ErrAuthFailed = errors.New("authentication failed")

// expirySlack is how close to expiry a token may be before Token refreshes
// it proactively instead of waiting for a 401.
const expirySlack = 30 * time.Second

// TokenSource supplies bearer credentials for agent API requests.
type TokenSource interface {
	// Token returns a credential believed to be valid.
	Token(ctx context.Context) (string, error)
	// Refresh exchanges the stored refresh credential for a new token.
	// Implementations must be safe for concurrent use.
	Refresh(ctx context.Context) (string, error)
}

// RefreshingTokenSource exchanges a long-lived refresh credential for access
// tokens at the auth endpoint. Access tokens are JWTs; their exp claim is
// inspected without signature verification (the server is the verifier) so
// expiry is detected locally.
type RefreshingTokenSource struct {
	mu           sync.Mutex
	refreshURL   string
	accessToken  string
	refreshToken string
	httpc        *http.Client
}

// NewRefreshingTokenSource creates a token source. accessToken may be empty,
// in which case the first Token call performs a refresh.
func NewRefreshingTokenSource(refreshURL, accessToken, refreshToken string, httpc *http.Client) *RefreshingTokenSource {
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return &RefreshingTokenSource{
		refreshURL:   refreshURL,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		httpc:        httpc,
	}
}

// Token returns the current access token, refreshing first when the token is
// missing or expires within the slack window.
func (ts *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	token := ts.accessToken
	ts.mu.Unlock()

	if token != "" && !tokenExpiringSoon(token) {
		return token, nil
	}
	return ts.Refresh(ctx)
}

// Refresh exchanges the refresh credential for a new access token.
func (ts *RefreshingTokenSource) Refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.refreshToken == "" {
		return "", fmt.Errorf("%w: no refresh credential", ErrAuthFailed)
	}

	body, err := json.Marshal(map[string]string{"refresh_token": ts.refreshToken})
	if err != nil {
		return "", fmt.Errorf("encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: refresh rejected with status %d", ErrAuthFailed, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("%w: refresh returned empty token", ErrAuthFailed)
	}

	ts.accessToken = result.AccessToken
	if result.RefreshToken != "" {
		ts.refreshToken = result.RefreshToken
	}
	return ts.accessToken, nil
}

// tokenExpiringSoon reports whether a JWT expires within the slack window.
// Opaque (non-JWT) tokens are assumed valid until the server says otherwise.
func tokenExpiringSoon(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < expirySlack
}

// StaticTokenSource returns a fixed token and fails refresh. Used in tests
// and for short-lived tooling invocations.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context) (string, error) { return string(s), nil }

func (s StaticTokenSource) Refresh(ctx context.Context) (string, error) {
	return "", fmt.Errorf("%w: static token cannot refresh", ErrAuthFailed)
}
