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
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// stdioSession runs a local MCP server as a child process and speaks the
// protocol over its stdin/stdout.
type stdioSession struct {
	command string
	args    []string
	env     []string
	client  *mcpclient.Client
}

func newStdioSession(command string, args, env []string) *stdioSession {
	return &stdioSession{command: command, args: args, env: env}
}

func (s *stdioSession) initialize(ctx context.Context) error {
	c, err := mcpclient.NewStdioMCPClient(s.command, s.env, s.args...)
	if err != nil {
		return fmt.Errorf("failed to create stdio client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stdio client: %w", err)
	}

	initRequest := mcpgo.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcpgo.Implementation{
		Name:    "argus",
		Version: "1.0",
	}
	if _, err := c.Initialize(ctx, initRequest); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	s.client = c
	return nil
}

func (s *stdioSession) listTools(ctx context.Context) ([]ToolDescriptor, error) {
	if s.client == nil {
		return nil, fmt.Errorf("stdio session not initialized")
	}
	result, err := s.client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return tools, nil
}

func (s *stdioSession) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("stdio session not initialized")
	}
	callRequest := mcpgo.CallToolRequest{}
	callRequest.Params.Name = name
	callRequest.Params.Arguments = args

	result, err := s.client.CallTool(ctx, callRequest)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	var texts []string
	for _, content := range result.Content {
		if textContent, ok := content.(mcpgo.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	if result.IsError {
		if len(texts) == 0 {
			return "Error: unknown error", nil
		}
		return "Error: " + strings.Join(texts, "\n"), nil
	}
	return strings.Join(texts, "\n"), nil
}

func (s *stdioSession) close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// schemaToMap converts the typed mcp-go schema into the generic map form
// the rest of the connector works with.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

var _ session = (*stdioSession)(nil)
