package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsIsExpired(t *testing.T) {
	now := time.Now().Unix()

	tests := []struct {
		name      string
		creds     *Credentials
		wantValid bool
	}{
		{
			name:      "nil credentials are valid",
			creds:     nil,
			wantValid: true,
		},
		{
			name:      "missing expiry is valid",
			creds:     &Credentials{AccessToken: "tok"},
			wantValid: true,
		},
		{
			name:      "outside skew window is valid",
			creds:     &Credentials{AccessToken: "tok", ExpiresAt: now + 301},
			wantValid: true,
		},
		{
			name:      "inside skew window is expired",
			creds:     &Credentials{AccessToken: "tok", ExpiresAt: now + 299},
			wantValid: false,
		},
		{
			name:      "past expiry is expired",
			creds:     &Credentials{AccessToken: "tok", ExpiresAt: now - 10},
			wantValid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, !tt.wantValid, tt.creds.IsExpired())
		})
	}
}

func TestParseCredentials(t *testing.T) {
	creds, err := ParseCredentials(`{"access_token":"abc","refresh_token":"ref","expires_at":123,"token_type":"Bearer","oauth_config":{"client_id":"cid","token_url":"https://t"}}`)
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "abc", creds.AccessToken)
	assert.Equal(t, "ref", creds.RefreshToken)
	assert.Equal(t, int64(123), creds.ExpiresAt)
	require.NotNil(t, creds.OAuthConfig)
	assert.Equal(t, "cid", creds.OAuthConfig.ClientID)

	empty, err := ParseCredentials("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = ParseCredentials("{not json")
	assert.Error(t, err)
}

func TestTokenManagerRefresh(t *testing.T) {
	var gotForm map[string]string
	var gotBasicUser, gotBasicPass string
	var gotBasic bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{}
		for key := range r.PostForm {
			gotForm[key] = r.PostForm.Get(key)
		}
		gotBasicUser, gotBasicPass, gotBasic = r.BasicAuth()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"token_type":   "bearer",
			"expires_in":   7200,
		})
	}))
	defer server.Close()

	cfg := &Config{ClientID: "cid", ClientSecret: "secret", TokenURL: server.URL}
	creds := &Credentials{AccessToken: "old", RefreshToken: "old-refresh", OAuthConfig: cfg}

	manager := NewTokenManager()
	updated, err := manager.Refresh(context.Background(), "GitHub", creds, cfg)
	require.NoError(t, err)
	require.NotNil(t, updated)

	assert.Equal(t, "refresh_token", gotForm["grant_type"])
	assert.Equal(t, "old-refresh", gotForm["refresh_token"])
	assert.Empty(t, gotForm["client_id"], "client_id travels via Basic auth when a secret exists")
	require.True(t, gotBasic)
	assert.Equal(t, "cid", gotBasicUser)
	assert.Equal(t, "secret", gotBasicPass)

	assert.Equal(t, "new-access", updated.AccessToken)
	// Provider did not rotate the refresh token, so the old one survives.
	assert.Equal(t, "old-refresh", updated.RefreshToken)
	assert.Equal(t, "bearer", updated.TokenType)
	assert.InDelta(t, time.Now().Unix()+7200, updated.ExpiresAt, 5)
	assert.Same(t, cfg, updated.OAuthConfig)
}

func TestTokenManagerRefreshPublicClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if _, _, ok := r.BasicAuth(); ok {
			t.Error("public client must not use Basic auth")
		}
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "rotated",
		})
	}))
	defer server.Close()

	cfg := &Config{ClientID: "cid", TokenURL: server.URL}
	creds := &Credentials{RefreshToken: "r1", OAuthConfig: cfg}

	updated, err := NewTokenManager().Refresh(context.Background(), "Notion", creds, cfg)
	require.NoError(t, err)
	assert.Equal(t, "rotated", updated.RefreshToken)
	assert.Equal(t, "Bearer", updated.TokenType)
	// expires_in absent: the 3600 s default applies.
	assert.InDelta(t, time.Now().Unix()+3600, updated.ExpiresAt, 5)
}

func TestTokenManagerRefreshFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	manager := NewTokenManager()
	cfg := &Config{ClientID: "cid", TokenURL: server.URL}

	_, err := manager.Refresh(context.Background(), "srv", &Credentials{RefreshToken: "r"}, cfg)
	assert.Error(t, err, "non-200 must fail")

	_, err = manager.Refresh(context.Background(), "srv", &Credentials{}, cfg)
	assert.Error(t, err, "missing refresh token must fail")

	_, err = manager.Refresh(context.Background(), "srv", &Credentials{RefreshToken: "r"}, &Config{ClientID: "cid"})
	assert.Error(t, err, "missing token_url must fail")

	_, err = manager.Refresh(context.Background(), "srv", &Credentials{RefreshToken: "r"}, &Config{TokenURL: server.URL})
	assert.Error(t, err, "missing client_id must fail")
}
