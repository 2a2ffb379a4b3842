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
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/argus/pkg/httpclient"
	"github.com/kadirpekel/argus/pkg/oauth"
	"github.com/kadirpekel/argus/pkg/observability"
)

// RunToolTimeout caps a single tool execution end to end, retries
// included.
const RunToolTimeout = 60 * time.Second

const notionAPIVersion = "2022-06-28"

// CredentialStore persists per-server OAuth credentials. The connector
// uses it to write back refreshed tokens and to pick up tokens another
// worker refreshed first.
type CredentialStore interface {
	LoadCredentials(ctx context.Context, settingID int64) (string, error)
	SaveCredentials(ctx context.Context, settingID int64, credentials string, expiresAt int64) error
}

// Config describes one MCP server connection. Remote servers set
// ServerURL; local servers set Command (and optionally Args/Env).
type Config struct {
	ServerURL   string
	ServerName  string
	Command     string
	Args        []string
	Env         []string
	Credentials *oauth.Credentials
	SettingID   int64
	Store       CredentialStore
	Tokens      *oauth.TokenManager
	SSETimeout  time.Duration

	// TLS customizes transport security for servers behind private CAs.
	// Nil keeps the default transport.
	TLS *httpclient.TLSConfig
}

// Connector manages the lifecycle of a single MCP server connection:
// transport negotiation, token freshness, tool discovery and execution
// with classified retries.
type Connector struct {
	config Config
	tokens *oauth.TokenManager

	mu      sync.Mutex
	session session
	creds   *oauth.Credentials
}

// NewConnector validates the config and prepares a connector. No network
// activity happens until the first Session, ListTools or RunTool call.
func NewConnector(config Config) (*Connector, error) {
	if config.ServerURL == "" && config.Command == "" {
		return nil, fmt.Errorf("MCP connector requires a server URL or a command")
	}
	tokens := config.Tokens
	if tokens == nil {
		tokens = oauth.NewTokenManager()
	}
	return &Connector{
		config: config,
		tokens: tokens,
		creds:  config.Credentials,
	}, nil
}

// ServerName returns the human-facing name this connector was built for.
func (c *Connector) ServerName() string {
	return c.config.ServerName
}

// ListTools returns the server's tool listing, refreshing the access
// token first and serving from the process-wide cache when the same
// server and token were already listed.
func (c *Connector) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	ctx, span := observability.GetTracer("argus.mcp").Start(ctx, observability.SpanMCPListTools,
		trace.WithAttributes(attribute.String(observability.AttrServerName, c.config.ServerName)))
	defer span.End()

	if err := c.EnsureValidToken(ctx, false); err != nil {
		return nil, err
	}

	cacheKey := ""
	if c.config.ServerURL != "" {
		cacheKey = toolsCacheKey(c.config.ServerURL, c.currentToken())
		if tools, ok := cachedTools(cacheKey); ok {
			return tools, nil
		}
	}

	var tools []ToolDescriptor
	err := c.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		sess, err := c.getSession(ctx)
		if err != nil {
			return err
		}
		tools, err = sess.listTools(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		storeCachedTools(cacheKey, tools)
	}
	slog.Debug("Listed MCP tools", "server", c.config.ServerName, "count", len(tools))
	return tools, nil
}

// RunTool executes one tool call and always produces a string: tool
// failures, transport failures and timeouts all collapse into an
// "Error: ..." message the model can read and react to. Each attempt is
// capped at RunToolTimeout and tears down the session on failure so the
// retry starts clean.
func (c *Connector) RunTool(ctx context.Context, name string, args map[string]any) string {
	ctx, span := observability.GetTracer("argus.mcp").Start(ctx, observability.SpanMCPCallTool,
		trace.WithAttributes(
			attribute.String(observability.AttrServerName, c.config.ServerName),
			attribute.String(observability.AttrToolName, name),
		))
	defer span.End()

	var out string
	err := c.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		sess, err := c.getSession(ctx)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, RunToolTimeout)
		defer cancel()
		out, err = sess.callTool(callCtx, name, args)
		if err != nil {
			slog.Warn("Tool call failed, clearing session",
				"server", c.config.ServerName,
				"tool", name,
				"error", err)
			c.Close()
			return err
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Sprintf("Error: Tool execution failed for %s. %v", c.config.ServerName, err)
	}
	return out
}

// ExecuteWithRetry runs op once and retries it a single time when the
// failure classifies as recoverable: auth errors get a forced token
// refresh and a fresh session, transient network errors just a fresh
// session. A retry that fails with auth again surfaces as
// RequiresAuthenticationError.
func (c *Connector) ExecuteWithRetry(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}

	switch {
	case IsAuthError(err):
		slog.Info("Auth error from MCP server, refreshing token and retrying",
			"server", c.config.ServerName)
		if refreshErr := c.EnsureValidToken(ctx, true); refreshErr != nil {
			return refreshErr
		}
		c.Close()
		retryErr := op(ctx)
		if retryErr == nil {
			return nil
		}
		if IsAuthError(retryErr) {
			return &oauth.RequiresAuthenticationError{Server: c.config.ServerName}
		}
		return retryErr
	case IsTransientError(err):
		slog.Info("Transient error from MCP server, reconnecting and retrying",
			"server", c.config.ServerName, "error", err)
		c.Close()
		return op(ctx)
	default:
		return err
	}
}

// EnsureValidToken refreshes the access token when it is expired (or
// unconditionally when force is set), adopting a token refreshed by
// another worker before declaring the server in need of
// re-authentication.
func (c *Connector) EnsureValidToken(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	creds := c.creds
	if creds == nil || c.config.ServerName == "" || creds.OAuthConfig == nil {
		return nil
	}
	if !force && !creds.IsExpired() {
		return nil
	}

	refreshed, err := c.tokens.Refresh(ctx, c.config.ServerName, creds, creds.OAuthConfig)
	if err != nil {
		slog.Warn("Token refresh failed, checking for externally refreshed credentials",
			"server", c.config.ServerName, "error", err)
		if adopted := c.adoptPersistedLocked(ctx, creds.AccessToken); adopted {
			return nil
		}
		return &oauth.RequiresAuthenticationError{Server: c.config.ServerName}
	}

	c.creds = refreshed
	c.closeSessionLocked()
	c.persistLocked(ctx, refreshed)
	slog.Info("Refreshed MCP access token", "server", c.config.ServerName)
	return nil
}

// adoptPersistedLocked reloads stored credentials and adopts them when a
// concurrent refresh already produced a different, unexpired token.
func (c *Connector) adoptPersistedLocked(ctx context.Context, previousToken string) bool {
	if c.config.Store == nil || c.config.SettingID == 0 {
		return false
	}
	raw, err := c.config.Store.LoadCredentials(ctx, c.config.SettingID)
	if err != nil {
		slog.Warn("Failed to reload persisted credentials",
			"server", c.config.ServerName, "error", err)
		return false
	}
	persisted, err := oauth.ParseCredentials(raw)
	if err != nil || persisted == nil {
		return false
	}
	if persisted.AccessToken == "" || persisted.AccessToken == previousToken || persisted.IsExpired() {
		return false
	}
	c.creds = persisted
	c.closeSessionLocked()
	slog.Info("Adopted credentials refreshed by another worker", "server", c.config.ServerName)
	return true
}

// persistLocked writes refreshed credentials back to storage. Failures
// are logged but never fail the refresh: the in-memory token is valid.
func (c *Connector) persistLocked(ctx context.Context, creds *oauth.Credentials) {
	if c.config.Store == nil || c.config.SettingID == 0 {
		return
	}
	encoded, err := creds.Encode()
	if err != nil {
		slog.Warn("Failed to encode refreshed credentials",
			"server", c.config.ServerName, "error", err)
		return
	}
	if err := c.config.Store.SaveCredentials(ctx, c.config.SettingID, encoded, creds.ExpiresAt); err != nil {
		slog.Warn("Failed to persist refreshed credentials",
			"server", c.config.ServerName, "error", err)
	}
}

// getSession returns the live session, establishing one if needed. For
// remote servers the legacy SSE transport is tried first, falling back
// to streamable HTTP.
func (c *Connector) getSession(ctx context.Context) (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return c.session, nil
	}

	if c.config.Command != "" {
		sess := newStdioSession(c.config.Command, c.config.Args, c.config.Env)
		if err := sess.initialize(ctx); err != nil {
			return nil, err
		}
		slog.Info("MCP session established",
			"server", c.config.ServerName, "transport", "stdio")
		c.session = sess
		return sess, nil
	}

	headers := buildHeaders(c.config.ServerURL, c.creds)

	sse := newSSESession(c.config.ServerURL, c.config.ServerName, headers, c.config.SSETimeout, c.config.TLS)
	if err := sse.initialize(ctx); err != nil {
		slog.Debug("SSE transport unavailable, falling back to streamable HTTP",
			"server", c.config.ServerName, "error", err)
	} else {
		slog.Info("MCP session established",
			"server", c.config.ServerName, "transport", "sse")
		c.session = sse
		return sse, nil
	}

	streamable := newHTTPSession(c.config.ServerURL, c.config.ServerName, headers, c.config.SSETimeout, c.config.TLS)
	if err := streamable.initialize(ctx); err != nil {
		return nil, err
	}
	slog.Info("MCP session established",
		"server", c.config.ServerName, "transport", "streamable-http")
	c.session = streamable
	return streamable, nil
}

// Close tears down the current session, if any. The next call
// re-establishes one.
func (c *Connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSessionLocked()
}

func (c *Connector) closeSessionLocked() {
	if c.session == nil {
		return
	}
	if err := c.session.close(); err != nil {
		slog.Debug("Error closing MCP session",
			"server", c.config.ServerName, "error", err)
	}
	c.session = nil
}

func (c *Connector) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return extractToken(c.config.ServerURL, c.creds)
}

// extractToken prefers stored credentials and falls back to a token
// embedded in the server URL query.
func extractToken(serverURL string, creds *oauth.Credentials) string {
	if creds != nil && creds.AccessToken != "" {
		return creds.AccessToken
	}
	if strings.Contains(serverURL, "token=") {
		if parsed, err := url.Parse(serverURL); err == nil {
			return parsed.Query().Get("token")
		}
	}
	return ""
}

// buildHeaders derives the auth headers for a server. A few providers
// want vendor-specific shapes; everything else gets a standard Bearer.
func buildHeaders(serverURL string, creds *oauth.Credentials) map[string]string {
	headers := make(map[string]string)
	token := extractToken(serverURL, creds)
	if token == "" {
		return headers
	}
	switch {
	case strings.Contains(serverURL, "figma.com"):
		headers["X-Figma-Token"] = token
	case strings.Contains(serverURL, "notion.com"):
		headers["Authorization"] = "Bearer " + token
		headers["Notion-Version"] = notionAPIVersion
	default:
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}
