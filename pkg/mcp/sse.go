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
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/argus/pkg/httpclient"
)

// sseSession speaks the legacy HTTP+SSE transport: a long-lived GET
// stream carries all server-to-client messages, and an "endpoint" event
// announces the URL where client requests must be POSTed. Responses are
// correlated to requests by JSON-RPC id.
type sseSession struct {
	url        string
	serverName string
	headers    map[string]string
	sseTimeout time.Duration

	client   *http.Client
	cancel   context.CancelFunc
	endpoint chan string

	mu      sync.Mutex
	postURL string
	pending map[int64]chan *jsonRPCResponse
	closed  bool

	nextID atomic.Int64
}

func newSSESession(serverURL, serverName string, headers map[string]string, sseTimeout time.Duration, tlsConfig *httpclient.TLSConfig) *sseSession {
	if sseTimeout <= 0 {
		sseTimeout = DefaultSSEResponseTimeout
	}
	client := &http.Client{Timeout: 0}
	if tlsConfig != nil {
		if transport, err := httpclient.ConfigureTLS(tlsConfig); err == nil {
			client.Transport = transport
		} else {
			slog.Warn("Failed to configure TLS for SSE transport, using default",
				"server", serverName, "error", err)
		}
	}
	return &sseSession{
		url:        serverURL,
		serverName: serverName,
		headers:    headers,
		sseTimeout: sseTimeout,
		client:     client,
		endpoint:   make(chan string, 1),
		pending:    make(map[int64]chan *jsonRPCResponse),
	}
}

// initialize opens the event stream, waits for the endpoint
// announcement, then performs the MCP handshake over it.
func (s *sseSession) initialize(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.url, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for name, value := range s.headers {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open SSE stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("HTTP error %d: %s (response: %s)", resp.StatusCode, resp.Status, string(body))
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("server did not open an event stream (content-type %q)", resp.Header.Get("Content-Type"))
	}

	go s.readStream(resp.Body)

	select {
	case raw := <-s.endpoint:
		postURL, err := s.resolveEndpoint(raw)
		if err != nil {
			s.shutdown()
			return err
		}
		s.mu.Lock()
		s.postURL = postURL
		s.mu.Unlock()
	case <-time.After(s.sseTimeout):
		s.shutdown()
		return fmt.Errorf("timeout waiting for SSE endpoint event")
	case <-ctx.Done():
		s.shutdown()
		return ctx.Err()
	}

	rpcResp, err := s.rpc(ctx, "initialize", initializeParams())
	if err != nil {
		s.shutdown()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if rpcResp.Error != nil {
		s.shutdown()
		return fmt.Errorf("MCP init error: %s", rpcResp.Error.Message)
	}
	s.notify(ctx, "notifications/initialized")
	return nil
}

func (s *sseSession) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP list error: %s", resp.Error.Message)
	}
	return parseToolsList(resp.Result)
}

func (s *sseSession) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
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

func (s *sseSession) close() error {
	s.shutdown()
	return nil
}

func (s *sseSession) shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

// rpc POSTs one request to the announced endpoint and waits for the
// matching response on the event stream.
func (s *sseSession) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("SSE session is closed")
	}
	postURL := s.postURL
	id := s.nextID.Add(1)
	ch := make(chan *jsonRPCResponse, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.post(ctx, postURL, jsonRPCRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("SSE stream closed before response")
		}
		return resp, nil
	case <-time.After(s.sseTimeout):
		return nil, fmt.Errorf("timeout waiting for SSE response after %v", s.sseTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *sseSession) notify(ctx context.Context, method string) {
	s.mu.Lock()
	postURL := s.postURL
	s.mu.Unlock()
	if err := s.post(ctx, postURL, jsonRPCRequest{JSONRPC: "2.0", Method: method}); err != nil {
		slog.Debug("MCP notification failed", "server", s.serverName, "method", method, "error", err)
	}
}

func (s *sseSession) post(ctx context.Context, postURL string, msg jsonRPCRequest) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range s.headers {
		req.Header.Set(name, value)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, resp.Status)
	}
	return nil
}

// resolveEndpoint turns the endpoint event payload, typically a relative
// path with a session query, into an absolute POST URL.
func (s *sseSession) resolveEndpoint(raw string) (string, error) {
	base, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint event %q: %w", raw, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// readStream consumes the long-lived event stream, announcing the POST
// endpoint and dispatching responses to their waiting callers.
func (s *sseSession) readStream(body io.ReadCloser) {
	defer func() { _ = body.Close() }()
	defer s.shutdown()

	reader := bufio.NewReader(body)
	eventType := "message"
	var data strings.Builder

	dispatch := func() {
		defer func() {
			eventType = "message"
			data.Reset()
		}()
		if data.Len() == 0 {
			return
		}
		switch eventType {
		case "endpoint":
			select {
			case s.endpoint <- data.String():
			default:
			}
		case "message":
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
				slog.Debug("Dropping unparseable SSE message", "server", s.serverName, "error", err)
				return
			}
			s.mu.Lock()
			ch, ok := s.pending[resp.ID]
			if ok {
				delete(s.pending, resp.ID)
			}
			s.mu.Unlock()
			if ok {
				ch <- &resp
			}
		}
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			dispatch()
			return
		}
		lineStr := strings.TrimRight(string(line), "\r\n")

		switch {
		case lineStr == "":
			dispatch()
		case strings.HasPrefix(lineStr, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(lineStr, "event:"))
		case strings.HasPrefix(lineStr, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
		}
	}
}

var _ session = (*sseSession)(nil)
