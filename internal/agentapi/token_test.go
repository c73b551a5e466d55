// ABOUTME: Tests for the refreshing token source
// ABOUTME: Covers the refresh exchange, rejection handling, and JWT expiry sniffing

package agentapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": time.Now().Add(expiresIn).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestToken_ValidSkipsRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("refresh endpoint must not be called")
	}))
	defer srv.Close()

	access := signedToken(t, time.Hour)
	ts := NewRefreshingTokenSource(srv.URL, access, "refresh-cred", nil)

	got, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, access, got)
}

func TestToken_RefreshesWhenExpiringSoon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh-cred", req["refresh_token"])
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
		})
	}))
	defer srv.Close()

	// Expires inside the slack window.
	access := signedToken(t, 5*time.Second)
	ts := NewRefreshingTokenSource(srv.URL, access, "refresh-cred", nil)

	got, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", got)
}

func TestToken_EmptyTokenRefreshes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "bootstrapped"})
	}))
	defer srv.Close()

	ts := NewRefreshingTokenSource(srv.URL, "", "refresh-cred", nil)
	got, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bootstrapped", got)
}

func TestRefresh_RotatesRefreshToken(t *testing.T) {
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		received = append(received, req["refresh_token"])
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "access-" + req["refresh_token"],
			"refresh_token": "rotated",
		})
	}))
	defer srv.Close()

	ts := NewRefreshingTokenSource(srv.URL, "", "original", nil)
	ctx := context.Background()

	_, err := ts.Refresh(ctx)
	require.NoError(t, err)
	_, err = ts.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"original", "rotated"}, received)
}

func TestRefresh_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ts := NewRefreshingTokenSource(srv.URL, "", "revoked", nil)
	_, err := ts.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestRefresh_NoCredential(t *testing.T) {
	ts := NewRefreshingTokenSource("http://unused", "", "", nil)
	_, err := ts.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestTokenExpiringSoon(t *testing.T) {
	assert.False(t, tokenExpiringSoon(signedToken(t, time.Hour)))
	assert.True(t, tokenExpiringSoon(signedToken(t, 5*time.Second)))
	assert.False(t, tokenExpiringSoon("opaque-not-a-jwt"), "opaque tokens assumed valid")
}

func TestStaticTokenSource(t *testing.T) {
	ts := StaticTokenSource("fixed")
	ctx := context.Background()

	got, err := ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fixed", got)

	_, err = ts.Refresh(ctx)
	assert.ErrorIs(t, err, ErrAuthFailed)
}
