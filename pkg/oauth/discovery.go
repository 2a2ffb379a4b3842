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

package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kadirpekel/argus/pkg/httpclient"
)

const (
	discoveryTimeout = 10 * time.Second

	// mcpProtocolVersion is sent in the probe initialize request.
	mcpProtocolVersion = "2024-11-05"

	wellKnownOAuthServer = "/.well-known/oauth-authorization-server"
	wellKnownOpenID      = "/.well-known/openid-configuration"
)

// Endpoints are the OAuth endpoints discovered for a protected server.
type Endpoints struct {
	AuthorizationURL string `json:"authorization_url,omitempty"`
	TokenURL         string `json:"token_url,omitempty"`
}

// Discoverer implements MCP "Smart Auth" discovery: probe the server with
// an unauthenticated initialize request, follow the WWW-Authenticate
// resource_metadata pointer, and resolve authorization_servers indirection
// down to concrete authorize/token endpoints.
type Discoverer struct {
	client *httpclient.Client
}

// NewDiscoverer builds a discoverer with short, non-retrying probes.
func NewDiscoverer() *Discoverer {
	return &Discoverer{
		client: httpclient.New(
			httpclient.WithMaxRetries(0),
			httpclient.WithTimeout(discoveryTimeout),
		),
	}
}

// Discover probes serverURL and returns its OAuth endpoints.
//
// The chain is: POST a dummy JSON-RPC initialize expecting 401; extract
// resource_metadata from WWW-Authenticate; fetch the metadata document;
// if the endpoints are absent but authorization_servers is present,
// resolve the indirection (github.com issuers get their fixed endpoints,
// others are queried via openid-configuration). When no resource_metadata
// is advertised, fall back to the oauth-authorization-server well-known
// document at the server root and at the server path.
func (d *Discoverer) Discover(ctx context.Context, serverURL string) (*Endpoints, error) {
	slog.Info("Discovering OAuth config", "server_url", serverURL)

	status, wwwAuth, err := d.probeInitialize(ctx, serverURL, "discovery")
	if err != nil {
		return nil, fmt.Errorf("discovery probe failed: %w", err)
	}
	if status != http.StatusUnauthorized {
		return nil, fmt.Errorf("discovery probe expected 401, got %d", status)
	}

	metadataURL := ""
	if wwwAuth != "" {
		_, params := ParseWWWAuthenticate(wwwAuth)
		metadataURL = params["resource_metadata"]
	}
	if metadataURL == "" {
		slog.Warn("No resource_metadata in WWW-Authenticate, trying well-known fallback", "server_url", serverURL)
		metadataURL = d.findWellKnown(ctx, serverURL)
	}
	if metadataURL == "" {
		return nil, fmt.Errorf("no OAuth metadata discoverable for %s", serverURL)
	}

	metadata, err := d.fetchJSON(ctx, metadataURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OAuth metadata: %w", err)
	}

	endpoints := &Endpoints{
		AuthorizationURL: stringField(metadata, "authorization_endpoint"),
		TokenURL:         stringField(metadata, "token_endpoint"),
	}
	if endpoints.AuthorizationURL == "" || endpoints.TokenURL == "" {
		d.resolveAuthorizationServers(ctx, metadata, endpoints)
	}
	if endpoints.AuthorizationURL == "" && endpoints.TokenURL == "" {
		return nil, fmt.Errorf("OAuth metadata at %s carries no endpoints", metadataURL)
	}
	return endpoints, nil
}

// resolveAuthorizationServers fills missing endpoints from the RFC 8414
// authorization_servers indirection.
func (d *Discoverer) resolveAuthorizationServers(ctx context.Context, metadata map[string]any, endpoints *Endpoints) {
	servers, ok := metadata["authorization_servers"].([]any)
	if !ok {
		return
	}
	for _, entry := range servers {
		server, ok := entry.(string)
		if !ok {
			continue
		}

		// GitHub's published configuration is incomplete; its endpoints
		// are fixed.
		if strings.Contains(server, "github.com") {
			if endpoints.AuthorizationURL == "" {
				endpoints.AuthorizationURL = "https://github.com/login/oauth/authorize"
			}
			if endpoints.TokenURL == "" {
				endpoints.TokenURL = "https://github.com/login/oauth/access_token"
			}
			return
		}

		wellKnown := strings.TrimRight(server, "/") + wellKnownOpenID
		slog.Info("Fetching indirect OAuth config", "url", wellKnown)
		indirect, err := d.fetchJSON(ctx, wellKnown)
		if err != nil {
			slog.Debug("Indirect OAuth config fetch failed", "url", wellKnown, "error", err)
			continue
		}
		if endpoints.AuthorizationURL == "" {
			endpoints.AuthorizationURL = stringField(indirect, "authorization_endpoint")
		}
		if endpoints.TokenURL == "" {
			endpoints.TokenURL = stringField(indirect, "token_endpoint")
		}
		if endpoints.AuthorizationURL != "" && endpoints.TokenURL != "" {
			return
		}
	}
}

// findWellKnown probes the oauth-authorization-server document at the
// server root and under the server path, returning the first URL that
// answers 200.
func (d *Discoverer) findWellKnown(ctx context.Context, serverURL string) string {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return ""
	}
	base := parsed.Scheme + "://" + parsed.Host

	candidates := []string{
		base + wellKnownOAuthServer,
		base + strings.TrimRight(parsed.Path, "/") + wellKnownOAuthServer,
	}
	for _, candidate := range candidates {
		slog.Info("Trying fallback discovery", "url", candidate)
		if _, err := d.fetchJSON(ctx, candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// probeInitialize sends an unauthenticated JSON-RPC initialize request and
// returns the status code plus any WWW-Authenticate challenge.
func (d *Discoverer) probeInitialize(ctx context.Context, serverURL, clientName string) (int, string, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": clientName, "version": "1.0"},
		},
		"id": 1,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if resp == nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, resp.Header.Get("WWW-Authenticate"), nil
}

// fetchJSON GETs a URL and decodes its body as a JSON object. Non-200
// responses are errors.
func (d *Discoverer) fetchJSON(ctx context.Context, rawURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if resp == nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", rawURL, resp.StatusCode)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON from %s: %w", rawURL, err)
	}
	return doc, nil
}

func stringField(doc map[string]any, key string) string {
	value, _ := doc[key].(string)
	return value
}
