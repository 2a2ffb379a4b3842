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

// Package mcp maintains connections to Model Context Protocol servers.
//
// Each Connector owns one server: transport negotiation (SSE with a
// streamable-HTTP fallback, or stdio for command servers), OAuth token
// lifecycle (expiry detection, refresh, credential write-back, re-auth
// escalation), tool discovery with a token-keyed cache, and a layered
// retry policy that distinguishes authentication faults from transient
// network faults.
package mcp

import (
	"encoding/json"
	"fmt"
)

// ToolDescriptor is one entry of a server's tool manifest. The JSON shape
// matches the tools_manifest blobs persisted per server registration.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"argument_schema,omitempty"`
}

// ParseManifest decodes a persisted tools_manifest blob.
func ParseManifest(raw string) ([]ToolDescriptor, error) {
	if raw == "" {
		return nil, nil
	}
	var tools []ToolDescriptor
	if err := json.Unmarshal([]byte(raw), &tools); err != nil {
		return nil, fmt.Errorf("failed to parse tools manifest: %w", err)
	}
	return tools, nil
}

// EncodeManifest serializes descriptors for persistence. The output is
// deterministic for a given input so unchanged manifests stay
// byte-identical across refreshes.
func EncodeManifest(tools []ToolDescriptor) (string, error) {
	data, err := json.Marshal(tools)
	if err != nil {
		return "", fmt.Errorf("failed to encode tools manifest: %w", err)
	}
	return string(data), nil
}

// normalizeSchema coerces a wire-level input schema into a map. Servers
// occasionally send schemas as JSON-encoded strings; those are parsed.
// Anything else unusable yields nil.
func normalizeSchema(raw any) map[string]any {
	switch value := raw.(type) {
	case map[string]any:
		return value
	case string:
		var schema map[string]any
		if err := json.Unmarshal([]byte(value), &schema); err != nil {
			return nil
		}
		return schema
	default:
		return nil
	}
}
