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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/argus/pkg/approval"
	"github.com/kadirpekel/argus/pkg/mcp"
)

type fakeConnection struct {
	mu          sync.Mutex
	descriptors []mcp.ToolDescriptor
	listErr     error
	listCalls   int
	runName     string
	runArgs     map[string]any
	runResult   string
}

func (f *fakeConnection) ListTools(context.Context) ([]mcp.ToolDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.descriptors, f.listErr
}

func (f *fakeConnection) RunTool(_ context.Context, name string, args map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runName = name
	f.runArgs = args
	return f.runResult
}

type fakePermissionSource struct {
	disabled      map[string]bool
	disabledErr   error
	needsApproval bool
	approvalType  string
	checkErr      error

	mu      sync.Mutex
	checked []string
}

func (f *fakePermissionSource) DisabledTools(context.Context, string, int64) (map[string]bool, error) {
	return f.disabled, f.disabledErr
}

func (f *fakePermissionSource) CheckToolApproval(_ context.Context, _ string, toolName string) (bool, string, error) {
	f.mu.Lock()
	f.checked = append(f.checked, toolName)
	f.mu.Unlock()
	return f.needsApproval, f.approvalType, f.checkErr
}

func dialTo(conns map[string]Connection) DialFunc {
	return func(_ context.Context, entry ServerEntry) (Connection, error) {
		conn, ok := conns[entry.Name]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}
}

func TestBuildToolsFromManifest(t *testing.T) {
	conn := &fakeConnection{}
	factory := NewFactory(FactoryConfig{Dial: dialTo(map[string]Connection{"GitHub Remote": conn})})

	manifest := `[
		{"name": "create_issue", "description": "Create an issue", "argument_schema": {
			"type": "object",
			"title": "CreateIssueInput",
			"properties": {"title": {"type": "string", "default": "untitled"}},
			"required": ["title"]
		}},
		{"name": "ping", "argument_schema": {"type": "string"}}
	]`

	tools := factory.BuildTools(context.Background(), map[string]ServerEntry{
		"GitHub Remote": {ID: 1, URL: "https://mcp.example.com", ToolsManifest: manifest},
	}, "user-1", false)

	require.Len(t, tools, 2)
	assert.Equal(t, 0, conn.listCalls, "manifest should satisfy the listing")

	issue := tools[0]
	assert.Equal(t, "GitHubRemote_create_issue", issue.Name())
	assert.Equal(t, "Create an issue This tool is from the 'GitHub Remote' server.", issue.Description())

	def := issue.Definition()
	props, ok := def.Parameters["properties"].(map[string]any)
	require.True(t, ok)
	titleProp, ok := props["title"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, titleProp, "default")
	assert.NotContains(t, def.Parameters, "title")

	// Tools without an object schema expose an empty parameter object,
	// and a missing description falls back to the default.
	ping := tools[1]
	assert.Equal(t, "GitHubRemote_ping", ping.Name())
	assert.Equal(t, "No description provided. This tool is from the 'GitHub Remote' server.", ping.Description())
	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, ping.Definition().Parameters)
}

func TestBuildToolsNetworkFallback(t *testing.T) {
	conn := &fakeConnection{descriptors: []mcp.ToolDescriptor{{Name: "list_pages"}}}
	factory := NewFactory(FactoryConfig{Dial: dialTo(map[string]Connection{"Notion": conn})})

	// Corrupt manifest falls back to the network.
	tools := factory.BuildTools(context.Background(), map[string]ServerEntry{
		"Notion": {ID: 2, URL: "https://mcp.notion.com", ToolsManifest: "{not json"},
	}, "user-1", false)

	require.Len(t, tools, 1)
	assert.Equal(t, "Notion_list_pages", tools[0].Name())
	assert.Equal(t, 1, conn.listCalls)

	// No manifest at all does the same.
	tools = factory.BuildTools(context.Background(), map[string]ServerEntry{
		"Notion": {ID: 2, URL: "https://mcp.notion.com"},
	}, "user-1", false)
	require.Len(t, tools, 1)
	assert.Equal(t, 2, conn.listCalls)
}

func TestBuildToolsSkipsUnreachableServers(t *testing.T) {
	good := &fakeConnection{descriptors: []mcp.ToolDescriptor{{Name: "ok"}}}
	bad := &fakeConnection{listErr: errors.New("connection reset by peer")}
	factory := NewFactory(FactoryConfig{Dial: dialTo(map[string]Connection{
		"Good": good,
		"Bad":  bad,
		// "Gone" has no connection, so dialing fails outright.
	})})

	tools := factory.BuildTools(context.Background(), map[string]ServerEntry{
		"Good": {ID: 1, URL: "https://good.example.com"},
		"Bad":  {ID: 2, URL: "https://bad.example.com"},
		"Gone": {ID: 3, URL: "https://gone.example.com"},
	}, "user-1", false)

	require.Len(t, tools, 1)
	assert.Equal(t, "Good_ok", tools[0].Name())
}

func TestBuildToolsFiltersDisabled(t *testing.T) {
	conn := &fakeConnection{descriptors: []mcp.ToolDescriptor{{Name: "keep"}, {Name: "drop"}}}
	perms := &fakePermissionSource{disabled: map[string]bool{"drop": true}}
	factory := NewFactory(FactoryConfig{
		Permissions: perms,
		Dial:        dialTo(map[string]Connection{"Srv": conn}),
	})

	tools := factory.BuildTools(context.Background(), map[string]ServerEntry{
		"Srv": {ID: 9, URL: "https://srv.example.com"},
	}, "user-1", false)

	require.Len(t, tools, 1)
	assert.Equal(t, "Srv_keep", tools[0].Name())

	// Without a setting id the permission query is skipped entirely.
	tools = factory.BuildTools(context.Background(), map[string]ServerEntry{
		"Srv": {URL: "https://srv.example.com"},
	}, "user-1", false)
	assert.Len(t, tools, 2)
}

func TestBuildToolsDedupesAcrossServers(t *testing.T) {
	first := &fakeConnection{descriptors: []mcp.ToolDescriptor{{Name: "x", Description: "d"}}}
	second := &fakeConnection{descriptors: []mcp.ToolDescriptor{{Name: "x", Description: "d"}}}
	third := &fakeConnection{descriptors: []mcp.ToolDescriptor{{Name: "x", Description: "d"}}}

	// All three collapse to the same exposed name once spaces are
	// stripped from the server names.
	factory := NewFactory(FactoryConfig{Dial: dialTo(map[string]Connection{
		"A B": first,
		"AB":  second,
		"AB ": third,
	})})

	tools := factory.BuildTools(context.Background(), map[string]ServerEntry{
		"A B": {ID: 1, URL: "https://one.example.com"},
		"AB":  {ID: 2, URL: "https://two.example.com"},
		"AB ": {ID: 3, URL: "https://three.example.com"},
	}, "user-1", false)

	require.Len(t, tools, 3)
	assert.Equal(t, "AB_x", tools[0].Name())
	assert.Equal(t, "AB_x_2", tools[1].Name())
	assert.Contains(t, tools[1].Description(), "(Variant 2)")
	assert.Equal(t, "AB_x_3", tools[2].Name())
	assert.Contains(t, tools[2].Description(), "(Variant 3)")
}

func TestToolCallInvokesRunnerWithRawName(t *testing.T) {
	conn := &fakeConnection{
		descriptors: []mcp.ToolDescriptor{{Name: "create_issue"}},
		runResult:   "issue #42 created",
	}
	factory := NewFactory(FactoryConfig{Dial: dialTo(map[string]Connection{"GitHub": conn})})

	tools := factory.BuildTools(context.Background(), map[string]ServerEntry{
		"GitHub": {ID: 1, URL: "https://gh.example.com"},
	}, "user-1", false)
	require.Len(t, tools, 1)

	out, err := tools[0].Call(context.Background(), map[string]any{"title": "bug"})
	require.NoError(t, err)
	assert.Equal(t, "issue #42 created", out)
	assert.Equal(t, "create_issue", conn.runName)
	assert.Equal(t, map[string]any{"title": "bug"}, conn.runArgs)
}

func TestBuildToolsGateWiring(t *testing.T) {
	conn := &fakeConnection{descriptors: []mcp.ToolDescriptor{{Name: "t"}}}
	perms := &fakePermissionSource{}
	registry := approval.NewRegistry()

	factory := NewFactory(FactoryConfig{
		Permissions: perms,
		Approvals:   registry,
		Dial:        dialTo(map[string]Connection{"Srv": conn}),
	})
	servers := map[string]ServerEntry{"Srv": {ID: 1, URL: "https://srv.example.com"}}

	blocking := factory.BuildTools(context.Background(), servers, "user-1", true)
	require.Len(t, blocking, 1)
	assert.NotNil(t, blocking[0].(*mcpTool).gate)

	deferred := factory.BuildTools(context.Background(), servers, "user-1", false)
	require.Len(t, deferred, 1)
	assert.Nil(t, deferred[0].(*mcpTool).gate)

	// No user means nothing to gate on.
	anonymous := factory.BuildTools(context.Background(), servers, "", true)
	require.Len(t, anonymous, 1)
	assert.Nil(t, anonymous[0].(*mcpTool).gate)
}

func newTestGate(perms PermissionSource, registry *approval.Registry) *approvalGate {
	g := newApprovalGate(perms, registry, "user-1")
	g.interval = time.Millisecond
	g.attempts = 50
	return g
}

func TestApprovalGateStandingApproval(t *testing.T) {
	registry := approval.NewRegistry()

	// A standing always-grant passes straight through.
	gate := newTestGate(&fakePermissionSource{needsApproval: false, approvalType: approval.TypeAlways}, registry)
	require.NoError(t, gate.wait(context.Background(), "raw_tool", "Srv_raw_tool", nil))

	gate = newTestGate(&fakePermissionSource{needsApproval: false}, registry)
	require.NoError(t, gate.wait(context.Background(), "raw_tool", "Srv_raw_tool", nil))

	assert.Empty(t, registry.PendingForUser("user-1"))
}

func TestApprovalGateApproved(t *testing.T) {
	registry := approval.NewRegistry()
	perms := &fakePermissionSource{needsApproval: true}
	gate := newTestGate(perms, registry)

	done := make(chan error, 1)
	go func() {
		done <- gate.wait(context.Background(), "raw_tool", "Srv_raw_tool", map[string]any{"a": float64(1)})
	}()

	// The pending request carries the exposed name and a placeholder
	// server name.
	var pendingID string
	require.Eventually(t, func() bool {
		pending := registry.PendingForUser("user-1")
		if len(pending) != 1 {
			return false
		}
		assert.Equal(t, "Srv_raw_tool", pending[0].ToolName)
		assert.Equal(t, "unknown", pending[0].ServerName)
		pendingID = pending[0].ID
		return true
	}, time.Second, time.Millisecond)

	registry.Approve(pendingID, approval.TypeOnce)

	require.NoError(t, <-done)
	_, ok := registry.Get(pendingID)
	assert.False(t, ok, "pending record should be removed after the wait")

	// Standing approvals are looked up by the raw server-side name.
	assert.Equal(t, []string{"raw_tool"}, perms.checked)
}

func TestApprovalGateDenied(t *testing.T) {
	registry := approval.NewRegistry()
	gate := newTestGate(&fakePermissionSource{needsApproval: true}, registry)

	done := make(chan error, 1)
	go func() {
		done <- gate.wait(context.Background(), "raw_tool", "Srv_raw_tool", nil)
	}()

	require.Eventually(t, func() bool {
		return len(registry.PendingForUser("user-1")) == 1
	}, time.Second, time.Millisecond)
	registry.Deny(registry.PendingForUser("user-1")[0].ID)

	err := <-done
	require.Error(t, err)
	assert.EqualError(t, err, "Tool execution denied for raw_tool")
}

func TestApprovalGateTimesOutAsDenied(t *testing.T) {
	registry := approval.NewRegistry()
	gate := newTestGate(&fakePermissionSource{needsApproval: true}, registry)
	gate.attempts = 3

	err := gate.wait(context.Background(), "raw_tool", "Srv_raw_tool", nil)
	require.Error(t, err)
	assert.EqualError(t, err, "Tool execution denied for raw_tool")
	assert.Empty(t, registry.PendingForUser("user-1"))
}

func TestApprovalGateContextCancel(t *testing.T) {
	registry := approval.NewRegistry()
	gate := newTestGate(&fakePermissionSource{needsApproval: true}, registry)
	gate.interval = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- gate.wait(ctx, "raw_tool", "Srv_raw_tool", nil)
	}()
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestApprovalGateCheckError(t *testing.T) {
	registry := approval.NewRegistry()
	gate := newTestGate(&fakePermissionSource{checkErr: errors.New("db down")}, registry)

	err := gate.wait(context.Background(), "raw_tool", "Srv_raw_tool", nil)
	assert.EqualError(t, err, "db down")
}
