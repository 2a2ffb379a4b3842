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

package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/argus/pkg/approval"
	"github.com/kadirpekel/argus/pkg/httpclient"
	"github.com/kadirpekel/argus/pkg/mcp"
	"github.com/kadirpekel/argus/pkg/oauth"
)

// fetchConcurrency bounds how many servers are contacted at once when
// manifests are missing.
const fetchConcurrency = 4

// defaultDescription stands in when a server ships a tool without one.
const defaultDescription = "No description provided."

// ServerEntry is one configured MCP server for a user: remote servers
// set URL, local ones Command. Credentials holds the stored credentials
// JSON verbatim; ToolsManifest is the cached tool list, empty when the
// server has never been listed.
type ServerEntry struct {
	ID            int64
	Name          string
	URL           string
	Command       string
	Args          []string
	Env           []string
	Credentials   string
	ToolsManifest string
}

// PermissionSource answers per-user tool policy questions.
type PermissionSource interface {
	// DisabledTools returns the set of tool names the user switched off
	// for the given server.
	DisabledTools(ctx context.Context, userID string, settingID int64) (map[string]bool, error)

	// CheckToolApproval reports whether running toolName needs a user
	// decision and the standing approval type, if any.
	CheckToolApproval(ctx context.Context, userID, toolName string) (needsApproval bool, approvalType string, err error)
}

// Connection is the per-server surface the factory needs. It is
// satisfied by *mcp.Connector.
type Connection interface {
	Runner
	ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error)
}

// DialFunc opens a connection to one server.
type DialFunc func(ctx context.Context, entry ServerEntry) (Connection, error)

// FactoryConfig wires the factory's collaborators. All fields are
// optional: a zero factory still builds ungated tools from manifests.
type FactoryConfig struct {
	// Permissions filters disabled tools and backs the blocking gate.
	Permissions PermissionSource

	// Credentials receives token write-backs after refreshes.
	Credentials mcp.CredentialStore

	// Approvals is the pending-approval registry used by blocking mode.
	Approvals *approval.Registry

	// TLS customizes transport security for servers behind private CAs.
	TLS *httpclient.TLSConfig

	// Dial overrides how server connections are opened.
	Dial DialFunc
}

// Factory turns a user's server set into model-callable tools.
type Factory struct {
	perms     PermissionSource
	creds     mcp.CredentialStore
	approvals *approval.Registry
	tls       *httpclient.TLSConfig
	dial      DialFunc
}

// NewFactory builds a tool factory.
func NewFactory(cfg FactoryConfig) *Factory {
	f := &Factory{
		perms:     cfg.Permissions,
		creds:     cfg.Credentials,
		approvals: cfg.Approvals,
		tls:       cfg.TLS,
		dial:      cfg.Dial,
	}
	if f.dial == nil {
		f.dial = f.dialServer
	}
	return f
}

func (f *Factory) dialServer(_ context.Context, entry ServerEntry) (Connection, error) {
	var creds *oauth.Credentials
	if entry.Credentials != "" {
		parsed, err := oauth.ParseCredentials(entry.Credentials)
		if err != nil {
			slog.Warn("Ignoring malformed stored credentials", "server", entry.Name, "error", err)
		} else {
			creds = parsed
		}
	}
	return mcp.NewConnector(mcp.Config{
		ServerURL:   entry.URL,
		ServerName:  entry.Name,
		Command:     entry.Command,
		Args:        entry.Args,
		Env:         entry.Env,
		Credentials: creds,
		SettingID:   entry.ID,
		Store:       f.creds,
		TLS:         f.tls,
	})
}

// BuildTools assembles the tool set for a user's servers.
//
// Cached manifests are preferred; servers without one are listed over
// the network, a few at a time. A server that cannot be reached is
// skipped so the rest of the agent still comes up. Tools the user
// disabled are dropped, schemas are sanitized, names are namespaced by
// server, and a final pass renames any remaining collisions.
//
// blocking selects where approval gating happens: true gates inside the
// tool wrapper (wait-for-decision), false leaves gating to the caller's
// orchestration.
func (f *Factory) BuildTools(ctx context.Context, servers map[string]ServerEntry, userID string, blocking bool) []Tool {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var gate *approvalGate
	if blocking && userID != "" && f.perms != nil && f.approvals != nil {
		gate = newApprovalGate(f.perms, f.approvals, userID)
	}

	perServer := make([][]*mcpTool, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, name := range names {
		g.Go(func() error {
			entry := servers[name]
			entry.Name = name
			perServer[i] = f.buildServerTools(gctx, entry, userID, gate)
			return nil
		})
	}
	// Workers contain their own failures, so Wait only orders the joins.
	_ = g.Wait()

	var tools []*mcpTool
	for _, built := range perServer {
		tools = append(tools, built...)
	}
	dedupeToolNames(tools)

	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, t)
	}
	return out
}

func (f *Factory) buildServerTools(ctx context.Context, entry ServerEntry, userID string, gate *approvalGate) []*mcpTool {
	conn, err := f.dial(ctx, entry)
	if err != nil {
		slog.Error("Skipping tools for server due to connection error", "server", entry.Name, "error", err)
		return nil
	}

	var descriptors []mcp.ToolDescriptor
	fromManifest := false
	if entry.ToolsManifest != "" {
		descriptors, err = mcp.ParseManifest(entry.ToolsManifest)
		if err != nil {
			slog.Warn("Failed to parse tool manifest, falling back to network", "server", entry.Name, "error", err)
		} else {
			fromManifest = true
		}
	}
	if !fromManifest {
		descriptors, err = conn.ListTools(ctx)
		if err != nil {
			slog.Error("Skipping tools for server due to connection error", "server", entry.Name, "error", err)
			return nil
		}
	}

	disabled := map[string]bool{}
	if userID != "" && entry.ID != 0 && f.perms != nil {
		disabled, err = f.perms.DisabledTools(ctx, userID, entry.ID)
		if err != nil {
			slog.Error("Skipping tools for server due to permission load error", "server", entry.Name, "error", err)
			return nil
		}
	}

	prefix := strings.ReplaceAll(entry.Name, " ", "")
	tools := make([]*mcpTool, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Name == "" {
			continue
		}
		if disabled[d.Name] {
			slog.Info("Tool disabled for user, skipping", "tool", d.Name, "user", userID)
			continue
		}

		description := d.Description
		if description == "" {
			description = defaultDescription
		}

		parameters := map[string]any{"type": "object", "properties": map[string]any{}}
		if schema := d.InputSchema; schema != nil && schema["type"] == "object" {
			if _, ok := schema["properties"]; ok {
				parameters = SanitizeSchema(schema)
			}
		}

		tools = append(tools, &mcpTool{
			name:        prefix + "_" + d.Name,
			rawName:     d.Name,
			description: fmt.Sprintf("%s This tool is from the '%s' server.", description, entry.Name),
			parameters:  parameters,
			runner:      conn,
			gate:        gate,
		})
	}
	return tools
}

// dedupeToolNames renames collisions in place: the first occurrence
// keeps its name, later ones become name_2, name_3, ... with a variant
// marker appended to the description.
func dedupeToolNames(tools []*mcpTool) {
	seen := make(map[string]int)
	for _, t := range tools {
		if count, ok := seen[t.name]; ok {
			seen[t.name] = count + 1
			t.description = fmt.Sprintf("%s (Variant %d)", t.description, count)
			t.name = fmt.Sprintf("%s_%d", t.name, count)
		} else {
			seen[t.name] = 2
		}
	}
}
