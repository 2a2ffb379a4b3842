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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	t.Run("round trips descriptors", func(t *testing.T) {
		original := []ToolDescriptor{
			{
				Name:        "create_page",
				Description: "Creates a page",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title": map[string]any{"type": "string"},
					},
				},
			},
			{Name: "list_pages", Description: "Lists pages"},
		}

		encoded, err := EncodeManifest(original)
		require.NoError(t, err)

		decoded, err := ParseManifest(encoded)
		require.NoError(t, err)
		assert.Equal(t, original, decoded)
	})

	t.Run("empty blob yields no tools", func(t *testing.T) {
		tools, err := ParseManifest("")
		require.NoError(t, err)
		assert.Nil(t, tools)
	})

	t.Run("malformed blob errors", func(t *testing.T) {
		_, err := ParseManifest("{not json")
		assert.Error(t, err)
	})
}

func TestNormalizeSchema(t *testing.T) {
	t.Run("map passes through", func(t *testing.T) {
		schema := map[string]any{"type": "object"}
		assert.Equal(t, schema, normalizeSchema(schema))
	})

	t.Run("string form is parsed", func(t *testing.T) {
		schema := normalizeSchema(`{"type":"object","properties":{}}`)
		require.NotNil(t, schema)
		assert.Equal(t, "object", schema["type"])
	})

	t.Run("garbage yields nil", func(t *testing.T) {
		assert.Nil(t, normalizeSchema("not json"))
		assert.Nil(t, normalizeSchema(42))
		assert.Nil(t, normalizeSchema(nil))
	})
}

func TestParseToolsList(t *testing.T) {
	result := map[string]any{
		"tools": []any{
			map[string]any{
				"name":        "search",
				"description": "Searches things",
				"inputSchema": map[string]any{"type": "object"},
			},
			map[string]any{
				// Nameless entries are dropped.
				"description": "orphan",
			},
			map[string]any{
				"name":        "stringy",
				"inputSchema": `{"type":"object"}`,
			},
		},
	}

	tools, err := parseToolsList(result)
	require.NoError(t, err)
	require.Len(t, tools, 2)

	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, "Searches things", tools[0].Description)
	assert.Equal(t, "object", tools[0].InputSchema["type"])

	assert.Equal(t, "stringy", tools[1].Name)
	assert.Equal(t, "object", tools[1].InputSchema["type"])
}

func TestParseToolsListErrors(t *testing.T) {
	_, err := parseToolsList("nope")
	assert.Error(t, err)

	_, err = parseToolsList(map[string]any{"other": true})
	assert.Error(t, err)
}

func TestParseCallResult(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   string
	}{
		{
			name: "joins text content",
			result: map[string]any{
				"content": []any{
					map[string]any{"type": "text", "text": "line one"},
					map[string]any{"type": "text", "text": "line two"},
				},
			},
			want: "line one\nline two",
		},
		{
			name: "tool error becomes error string",
			result: map[string]any{
				"isError": true,
				"content": []any{
					map[string]any{"type": "text", "text": "page not found"},
				},
			},
			want: "Error: page not found",
		},
		{
			name:   "tool error without content",
			result: map[string]any{"isError": true},
			want:   "Error: unknown error",
		},
		{
			name: "skips non-text content",
			result: map[string]any{
				"content": []any{
					map[string]any{"type": "image", "data": "..."},
					map[string]any{"type": "text", "text": "caption"},
				},
			},
			want: "caption",
		},
		{
			name: "structured content fallback",
			result: map[string]any{
				"structuredContent": map[string]any{"count": float64(3)},
			},
			want: "map[count:3]",
		},
		{
			name:   "empty result",
			result: map[string]any{},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCallResult(tt.result))
		})
	}
}
