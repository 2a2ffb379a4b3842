// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/argus/pkg/httpclient"
	"github.com/kadirpekel/argus/pkg/oauth"
)

// mcpTestServer speaks just enough streamable HTTP for connector tests.
// GET requests are rejected so connectors exercise the SSE-to-streamable
// fallback.
type mcpTestServer struct {
	*httptest.Server

	mu         sync.Mutex
	initCalls  int
	listCalls  int
	callCalls  int
	authSeen   []string
	sessionIDs []string

	sessionID  string
	tools      []map[string]any
	callResult map[string]any
	failCalls  int
	failStatus int
	failBody   string
}

func newMCPServerState() *mcpTestServer {
	return &mcpTestServer{
		tools: []map[string]any{
			{"name": "create_page", "description": "Creates a page", "inputSchema": map[string]any{"type": "object"}},
			{"name": "search", "description": "Searches", "inputSchema": map[string]any{"type": "object"}},
		},
		callResult: map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "done"}},
		},
	}
}

func newMCPTestServer() *mcpTestServer {
	s := newMCPServerState()
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func newMCPTestTLSServer() *mcpTestServer {
	s := newMCPServerState()
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.handle))
	return s
}

func (s *mcpTestServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.authSeen = append(s.authSeen, r.Header.Get("Authorization"))
	if sid := r.Header.Get("mcp-session-id"); sid != "" {
		s.sessionIDs = append(s.sessionIDs, sid)
	}

	var result any
	status := http.StatusOK
	switch req.Method {
	case "initialize":
		s.initCalls++
		if s.sessionID != "" {
			w.Header().Set("mcp-session-id", s.sessionID)
		}
		result = map[string]any{"protocolVersion": protocolVersion}
	case "notifications/initialized":
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	case "tools/list":
		s.listCalls++
		result = map[string]any{"tools": s.tools}
	case "tools/call":
		s.callCalls++
		if s.failCalls > 0 {
			s.failCalls--
			status = s.failStatus
		} else {
			result = s.callResult
		}
	default:
		status = http.StatusNotFound
	}
	failBody := s.failBody
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, failBody, status)
		return
	}

	var id int64
	if req.ID != nil {
		id = *req.ID
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *mcpTestServer) counts() (initCalls, listCalls, callCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls, s.listCalls, s.callCalls
}

type fakeCredentialStore struct {
	mu           sync.Mutex
	loadRaw      string
	loadErr      error
	savedRaw     string
	savedExpires int64
	savedID      int64
}

func (s *fakeCredentialStore) LoadCredentials(_ context.Context, _ int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRaw, s.loadErr
}

func (s *fakeCredentialStore) SaveCredentials(_ context.Context, settingID int64, credentials string, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedID = settingID
	s.savedRaw = credentials
	s.savedExpires = expiresAt
	return nil
}

func TestConnectorListTools(t *testing.T) {
	ResetToolsCache()
	server := newMCPTestServer()
	defer server.Close()

	connector, err := NewConnector(Config{ServerURL: server.URL, ServerName: "test-server"})
	require.NoError(t, err)
	defer connector.Close()

	tools, err := connector.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "create_page", tools[0].Name)
	assert.Equal(t, "Searches", tools[1].Description)

	// Second listing is served from the cache.
	_, err = connector.ListTools(context.Background())
	require.NoError(t, err)
	_, listCalls, _ := server.counts()
	assert.Equal(t, 1, listCalls)
}

func TestConnectorSessionIDReplay(t *testing.T) {
	ResetToolsCache()
	server := newMCPTestServer()
	server.sessionID = "sess-123"
	defer server.Close()

	connector, err := NewConnector(Config{ServerURL: server.URL, ServerName: "test-server"})
	require.NoError(t, err)
	defer connector.Close()

	_, err = connector.ListTools(context.Background())
	require.NoError(t, err)
	out := connector.RunTool(context.Background(), "create_page", map[string]any{"title": "hi"})
	assert.Equal(t, "done", out)

	server.mu.Lock()
	defer server.mu.Unlock()
	require.NotEmpty(t, server.sessionIDs)
	for _, sid := range server.sessionIDs {
		assert.Equal(t, "sess-123", sid)
	}
}

func TestConnectorRunToolToolError(t *testing.T) {
	ResetToolsCache()
	server := newMCPTestServer()
	server.callResult = map[string]any{
		"isError": true,
		"content": []any{map[string]any{"type": "text", "text": "page not found"}},
	}
	defer server.Close()

	connector, err := NewConnector(Config{ServerURL: server.URL, ServerName: "test-server"})
	require.NoError(t, err)
	defer connector.Close()

	out := connector.RunTool(context.Background(), "create_page", nil)
	assert.Equal(t, "Error: page not found", out)
}

func TestConnectorAuthRetrySucceeds(t *testing.T) {
	ResetToolsCache()
	server := newMCPTestServer()
	server.failCalls = 1
	server.failStatus = http.StatusUnauthorized
	server.failBody = "Unauthorized"
	defer server.Close()

	connector, err := NewConnector(Config{ServerURL: server.URL, ServerName: "test-server"})
	require.NoError(t, err)
	defer connector.Close()

	out := connector.RunTool(context.Background(), "create_page", nil)
	assert.Equal(t, "done", out)

	initCalls, _, callCalls := server.counts()
	assert.Equal(t, 2, callCalls)
	// The retry rebuilt the session from scratch.
	assert.Equal(t, 2, initCalls)
}

func TestConnectorAuthRetryExhausted(t *testing.T) {
	ResetToolsCache()
	server := newMCPTestServer()
	server.failCalls = 10
	server.failStatus = http.StatusUnauthorized
	server.failBody = "Unauthorized"
	defer server.Close()

	connector, err := NewConnector(Config{ServerURL: server.URL, ServerName: "test-server"})
	require.NoError(t, err)
	defer connector.Close()

	out := connector.RunTool(context.Background(), "create_page", nil)
	assert.Contains(t, out, "Error: Tool execution failed for test-server.")
	assert.Contains(t, out, "requires re-authentication")
}

func TestConnectorTransientRetry(t *testing.T) {
	ResetToolsCache()
	server := newMCPTestServer()
	server.failCalls = 1
	server.failStatus = http.StatusInternalServerError
	server.failBody = "connection reset by peer"
	defer server.Close()

	connector, err := NewConnector(Config{ServerURL: server.URL, ServerName: "test-server"})
	require.NoError(t, err)
	defer connector.Close()

	out := connector.RunTool(context.Background(), "create_page", nil)
	assert.Equal(t, "done", out)

	_, _, callCalls := server.counts()
	assert.Equal(t, 2, callCalls)
}

func TestConnectorRefreshesExpiredToken(t *testing.T) {
	ResetToolsCache()
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-token",
			"expires_in":   3600,
		})
	}))
	defer tokenServer.Close()

	server := newMCPTestServer()
	defer server.Close()

	store := &fakeCredentialStore{}
	connector, err := NewConnector(Config{
		ServerURL:  server.URL,
		ServerName: "test-server",
		SettingID:  7,
		Store:      store,
		Credentials: &oauth.Credentials{
			AccessToken:  "old-token",
			RefreshToken: "refresh-token",
			ExpiresAt:    time.Now().Unix() - 10,
			OAuthConfig: &oauth.Config{
				ClientID: "client-id",
				TokenURL: tokenServer.URL,
			},
		},
	})
	require.NoError(t, err)
	defer connector.Close()

	tools, err := connector.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	server.mu.Lock()
	for _, auth := range server.authSeen {
		assert.Equal(t, "Bearer new-token", auth)
	}
	server.mu.Unlock()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, int64(7), store.savedID)
	assert.Contains(t, store.savedRaw, "new-token")
	assert.Greater(t, store.savedExpires, time.Now().Unix())
}

func TestConnectorAdoptsExternallyRefreshedCredentials(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
	}))
	defer tokenServer.Close()

	persisted := &oauth.Credentials{
		AccessToken: "db-token",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}
	encoded, err := persisted.Encode()
	require.NoError(t, err)

	store := &fakeCredentialStore{loadRaw: encoded}
	connector, err := NewConnector(Config{
		ServerURL:  "https://mcp.example.com/sse",
		ServerName: "test-server",
		SettingID:  7,
		Store:      store,
		Credentials: &oauth.Credentials{
			AccessToken:  "old-token",
			RefreshToken: "refresh-token",
			ExpiresAt:    time.Now().Unix() - 10,
			OAuthConfig: &oauth.Config{
				ClientID: "client-id",
				TokenURL: tokenServer.URL,
			},
		},
	})
	require.NoError(t, err)

	require.NoError(t, connector.EnsureValidToken(context.Background(), false))
	assert.Equal(t, "db-token", connector.currentToken())
}

func TestConnectorRequiresAuthWhenRefreshAndFallbackFail(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
	}))
	defer tokenServer.Close()

	// The store still holds the same expired token.
	stale := &oauth.Credentials{
		AccessToken: "old-token",
		ExpiresAt:   time.Now().Unix() - 10,
	}
	encoded, err := stale.Encode()
	require.NoError(t, err)

	store := &fakeCredentialStore{loadRaw: encoded}
	connector, err := NewConnector(Config{
		ServerURL:  "https://mcp.example.com/sse",
		ServerName: "test-server",
		SettingID:  7,
		Store:      store,
		Credentials: &oauth.Credentials{
			AccessToken:  "old-token",
			RefreshToken: "refresh-token",
			ExpiresAt:    time.Now().Unix() - 10,
			OAuthConfig: &oauth.Config{
				ClientID: "client-id",
				TokenURL: tokenServer.URL,
			},
		},
	})
	require.NoError(t, err)

	err = connector.EnsureValidToken(context.Background(), false)
	require.Error(t, err)
	assert.True(t, oauth.IsRequiresAuthentication(err))
}

func TestConnectorSkipsRefreshWithoutOAuthConfig(t *testing.T) {
	connector, err := NewConnector(Config{
		ServerURL:  "https://mcp.example.com/sse",
		ServerName: "test-server",
		Credentials: &oauth.Credentials{
			AccessToken: "plain-token",
			ExpiresAt:   time.Now().Unix() - 10,
		},
	})
	require.NoError(t, err)
	assert.NoError(t, connector.EnsureValidToken(context.Background(), true))
	assert.Equal(t, "plain-token", connector.currentToken())
}

func TestConnectorTLS(t *testing.T) {
	server := newMCPTestTLSServer()
	defer server.Close()

	t.Run("untrusted certificate rejected", func(t *testing.T) {
		ResetToolsCache()
		connector, err := NewConnector(Config{ServerURL: server.URL, ServerName: "tls-server"})
		require.NoError(t, err)
		defer connector.Close()

		_, err = connector.ListTools(context.Background())
		require.Error(t, err)
	})

	t.Run("skip verification", func(t *testing.T) {
		ResetToolsCache()
		connector, err := NewConnector(Config{
			ServerURL:  server.URL,
			ServerName: "tls-server",
			TLS:        &httpclient.TLSConfig{InsecureSkipVerify: true},
		})
		require.NoError(t, err)
		defer connector.Close()

		tools, err := connector.ListTools(context.Background())
		require.NoError(t, err)
		assert.Len(t, tools, 2)
	})

	t.Run("custom ca trusted", func(t *testing.T) {
		ResetToolsCache()
		caPath := filepath.Join(t.TempDir(), "ca.pem")
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
		require.NoError(t, os.WriteFile(caPath, pemBytes, 0o600))

		connector, err := NewConnector(Config{
			ServerURL:  server.URL,
			ServerName: "tls-server",
			TLS:        &httpclient.TLSConfig{CACertificate: caPath},
		})
		require.NoError(t, err)
		defer connector.Close()

		tools, err := connector.ListTools(context.Background())
		require.NoError(t, err)
		assert.Len(t, tools, 2)

		out := connector.RunTool(context.Background(), "create_page", map[string]any{"title": "hi"})
		assert.Equal(t, "done", out)
	})
}

func TestNewConnectorValidation(t *testing.T) {
	_, err := NewConnector(Config{ServerName: "nothing"})
	assert.Error(t, err)

	_, err = NewConnector(Config{Command: "npx", ServerName: "local"})
	assert.NoError(t, err)
}

func TestBuildHeaders(t *testing.T) {
	creds := &oauth.Credentials{AccessToken: "tok"}

	tests := []struct {
		name      string
		serverURL string
		creds     *oauth.Credentials
		want      map[string]string
	}{
		{
			name:      "figma gets vendor header",
			serverURL: "https://mcp.figma.com/mcp",
			creds:     creds,
			want:      map[string]string{"X-Figma-Token": "tok"},
		},
		{
			name:      "notion gets version header",
			serverURL: "https://mcp.notion.com/sse",
			creds:     creds,
			want: map[string]string{
				"Authorization":  "Bearer tok",
				"Notion-Version": "2022-06-28",
			},
		},
		{
			name:      "default bearer",
			serverURL: "https://mcp.example.com/sse",
			creds:     creds,
			want:      map[string]string{"Authorization": "Bearer tok"},
		},
		{
			name:      "token from url query",
			serverURL: "https://mcp.example.com/sse?token=query-tok",
			creds:     nil,
			want:      map[string]string{"Authorization": "Bearer query-tok"},
		},
		{
			name:      "no token no headers",
			serverURL: "https://mcp.example.com/sse",
			creds:     nil,
			want:      map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildHeaders(tt.serverURL, tt.creds))
		})
	}
}

func TestExtractTokenPrefersCredentials(t *testing.T) {
	creds := &oauth.Credentials{AccessToken: "stored"}
	assert.Equal(t, "stored", extractToken("https://x.example.com?token=urltok", creds))
	assert.Equal(t, "urltok", extractToken("https://x.example.com?token=urltok", nil))
	assert.Equal(t, "", extractToken("https://x.example.com", nil))
}
