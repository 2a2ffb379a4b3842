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
	"fmt"
	"strings"
)

// protocolVersion is the MCP protocol revision spoken by the gateway.
const protocolVersion = "2024-11-05"

// clientInfo identifies the gateway in initialize handshakes.
var clientInfo = map[string]any{
	"name":    "argus",
	"version": "1.0",
}

// JSON-RPC types
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      clientInfo,
	}
}

// parseToolsList extracts descriptors from a tools/list result.
func parseToolsList(result any) ([]ToolDescriptor, error) {
	resultMap, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from tools/list")
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing tools in tools/list response")
	}

	tools := make([]ToolDescriptor, 0, len(rawTools))
	for _, raw := range rawTools {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			continue
		}
		description, _ := entry["description"].(string)
		tools = append(tools, ToolDescriptor{
			Name:        name,
			Description: description,
			InputSchema: normalizeSchema(entry["inputSchema"]),
		})
	}
	return tools, nil
}

// parseCallResult flattens a tools/call result into the observation
// string handed to the model. Tool-level failures (isError) become
// "Error: …" strings rather than Go errors so the reasoning loop can see
// and react to them.
func parseCallResult(result any) string {
	resultMap, ok := result.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", result)
	}

	texts := collectText(resultMap["content"])

	if isError, _ := resultMap["isError"].(bool); isError {
		message := "unknown error"
		if len(texts) > 0 {
			message = strings.Join(texts, "\n")
		}
		return "Error: " + message
	}

	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}

	// Structured results without text content pass through as-is.
	if structured, ok := resultMap["structuredContent"]; ok {
		return fmt.Sprintf("%v", structured)
	}
	return ""
}

func collectText(content any) []string {
	items, ok := content.([]any)
	if !ok {
		return nil
	}
	var texts []string
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if kind, _ := entry["type"].(string); kind != "" && kind != "text" {
			continue
		}
		if text, ok := entry["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	return texts
}
