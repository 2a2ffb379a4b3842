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
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchToolDefinition(t *testing.T) {
	search := NewSearchTool(NewRegistry())

	assert.Equal(t, SearchToolName, search.Name())
	assert.Contains(t, search.Description(), "Search for available tools")

	def := search.Definition()
	props := def.Parameters["properties"].(map[string]any)
	query := props["query"].(map[string]any)
	assert.Equal(t, "string", query["type"])
	assert.Equal(t, []string{"query"}, def.Parameters["required"])
}

func TestSearchToolReturnsMatches(t *testing.T) {
	registry := seededRegistry()
	search := NewSearchTool(registry)

	out, err := search.Call(context.Background(), map[string]any{"query": "create issue"})
	require.NoError(t, err)

	var hits []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.NotEmpty(t, hits)
	assert.Equal(t, "GitHub_create_issue", hits[0].Name)
	assert.NotEmpty(t, hits[0].Description)
}

func TestSearchToolLimitsResults(t *testing.T) {
	registry := NewRegistry()
	for i := 1; i <= 7; i++ {
		registry.Register(namedTool(
			fmt.Sprintf("email_tool_%d", i),
			fmt.Sprintf("Send an email message quickly option%d", i)))
	}
	search := NewSearchTool(registry)

	out, err := search.Call(context.Background(), map[string]any{"query": "email"})
	require.NoError(t, err)

	var hits []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	assert.Len(t, hits, 5)
}

func TestSearchToolNoMatches(t *testing.T) {
	search := NewSearchTool(seededRegistry())

	out, err := search.Call(context.Background(), map[string]any{"query": "quantum blockchain"})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}
