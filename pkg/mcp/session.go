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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/argus/pkg/httpclient"
)

// DefaultSSEResponseTimeout caps how long a streamable-HTTP call waits
// for the response event of a request answered over SSE.
const DefaultSSEResponseTimeout = 5 * time.Minute

// session is one live transport connection to an MCP server. All
// implementations are safe for concurrent use after initialize.
type session interface {
	initialize(ctx context.Context) error
	listTools(ctx context.Context) ([]ToolDescriptor, error)
	callTool(ctx context.Context, name string, args map[string]any) (string, error)
	close() error
}

// httpSession speaks the streamable-HTTP transport: every JSON-RPC
// request is its own POST, with mcp-session-id replayed once the server
// assigns one. Responses arrive as plain JSON or as a per-request SSE
// body.
type httpSession struct {
	url        string
	serverName string
	headers    map[string]string
	client     *httpclient.Client
	sseTimeout time.Duration

	sessionMu sync.RWMutex
	sessionID string
	nextID    atomic.Int64
}

func newHTTPSession(serverURL, serverName string, headers map[string]string, sseTimeout time.Duration, tlsConfig *httpclient.TLSConfig) *httpSession {
	if sseTimeout <= 0 {
		sseTimeout = DefaultSSEResponseTimeout
	}
	return &httpSession{
		url:        serverURL,
		serverName: serverName,
		headers:    headers,
		sseTimeout: sseTimeout,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 0}),
			httpclient.WithTLSConfig(tlsConfig),
			httpclient.WithMaxRetries(0),
		),
	}
}

func (s *httpSession) initialize(ctx context.Context) error {
	resp, err := s.rpc(ctx, "initialize", initializeParams())
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("MCP init error: %s", resp.Error.Message)
	}
	s.notify(ctx, "notifications/initialized")
	return nil
}

func (s *httpSession) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP list error: %s", resp.Error.Message)
	}
	return parseToolsList(resp.Result)
}

func (s *httpSession) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	resp, err := s.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("MCP call error: %s", resp.Error.Message)
	}
	return parseCallResult(resp.Result), nil
}

func (s *httpSession) close() error {
	return nil
}

// rpc sends one JSON-RPC request and decodes the response, transparently
// handling SSE-framed response bodies.
func (s *httpSession) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	id := s.nextID.Add(1)
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpResp, err := s.post(ctx, body)
	if err != nil {
		slog.Debug("MCP HTTP request failed",
			"server", s.serverName,
			"method", method,
			"error", err)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s (response: %s)",
			httpResp.StatusCode, httpResp.Status, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return s.readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// notify sends a fire-and-forget notification. Failures are logged and
// swallowed; notifications carry no response.
func (s *httpSession) notify(ctx context.Context, method string) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return
	}
	resp, err := s.post(ctx, body)
	if err != nil {
		slog.Debug("MCP notification failed", "server", s.serverName, "method", method, "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func (s *httpSession) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for name, value := range s.headers {
		req.Header.Set(name, value)
	}

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := s.client.Do(req)
	if resp == nil {
		return nil, err
	}

	if newSessionID := resp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionMu.Lock()
		s.sessionID = newSessionID
		s.sessionMu.Unlock()
	}
	return resp, nil
}

// readSSEResponse reads the first complete JSON-RPC response from an SSE
// body.
func (s *httpSession) readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer func() { _ = httpResp.Body.Close() }()

		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		flush := func() *jsonRPCResponse {
			if currentData.Len() == 0 {
				return nil
			}
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(currentData.String()), &resp); err == nil {
				return &resp
			}
			currentData.Reset()
			return nil
		}

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			lineStr := strings.TrimSpace(string(line))

			if lineStr == "" {
				if resp := flush(); resp != nil {
					resultChan <- result{response: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if resp := flush(); resp != nil {
			resultChan <- result{response: resp}
			return
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(s.sseTimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", s.sseTimeout)
	}
}

var _ session = (*httpSession)(nil)
