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
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseTestServer implements the legacy HTTP+SSE transport: a GET stream
// announcing the POST endpoint, with responses pushed over the stream.
type sseTestServer struct {
	*httptest.Server

	events chan string

	mu       sync.Mutex
	getAuth  string
	postAuth []string
	methods  []string
}

func newSSETestServer(t *testing.T) *sseTestServer {
	s := &sseTestServer{events: make(chan string, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.mu.Lock()
		s.getAuth = r.Header.Get("Authorization")
		s.mu.Unlock()

		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /messages?session=abc123\n\n")
		flusher.Flush()

		for {
			select {
			case payload := <-s.events:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc123", r.URL.Query().Get("session"))

		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			return
		}

		s.mu.Lock()
		s.postAuth = append(s.postAuth, r.Header.Get("Authorization"))
		s.methods = append(s.methods, req.Method)
		s.mu.Unlock()

		// Notifications carry no id and get no response.
		if req.ID != nil {
			var result any
			switch req.Method {
			case "initialize":
				result = map[string]any{"protocolVersion": protocolVersion}
			case "tools/list":
				result = map[string]any{
					"tools": []any{
						map[string]any{"name": "fetch", "description": "Fetches", "inputSchema": map[string]any{"type": "object"}},
					},
				}
			case "tools/call":
				result = map[string]any{
					"content": []any{map[string]any{"type": "text", "text": "sse says hi"}},
				}
			}
			payload, err := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", ID: *req.ID, Result: result})
			if err != nil {
				t.Errorf("failed to encode response: %v", err)
				return
			}
			s.events <- string(payload)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	s.Server = httptest.NewServer(mux)
	return s
}

func TestSSESessionLifecycle(t *testing.T) {
	server := newSSETestServer(t)
	defer server.Close()

	headers := map[string]string{"Authorization": "Bearer tok"}
	sess := newSSESession(server.URL+"/sse", "sse-server", headers, 5*time.Second, nil)

	require.NoError(t, sess.initialize(context.Background()))
	defer func() { _ = sess.close() }()

	tools, err := sess.listTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "fetch", tools[0].Name)

	out, err := sess.callTool(context.Background(), "fetch", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "sse says hi", out)

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, "Bearer tok", server.getAuth)
	for _, auth := range server.postAuth {
		assert.Equal(t, "Bearer tok", auth)
	}
	assert.Contains(t, server.methods, "notifications/initialized")
}

func TestSSESessionEndpointTimeout(t *testing.T) {
	// Stream opens but never announces an endpoint.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	sess := newSSESession(srv.URL, "sse-server", nil, 100*time.Millisecond, nil)
	err := sess.initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for SSE endpoint")
}

func TestSSESessionRejectsNonStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	sess := newSSESession(srv.URL, "sse-server", nil, time.Second, nil)
	err := sess.initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not open an event stream")
}

func TestSSESessionResolveEndpoint(t *testing.T) {
	sess := newSSESession("https://mcp.example.com/base/sse", "x", nil, time.Second, nil)

	resolved, err := sess.resolveEndpoint("/messages?session=1")
	require.NoError(t, err)
	assert.Equal(t, "https://mcp.example.com/messages?session=1", resolved)

	resolved, err = sess.resolveEndpoint("messages?session=1")
	require.NoError(t, err)
	assert.Equal(t, "https://mcp.example.com/base/messages?session=1", resolved)

	resolved, err = sess.resolveEndpoint("https://other.example.com/rpc")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/rpc", resolved)
}
