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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedTool(name, description string) Tool {
	return NewFunc(name, description, nil, func(context.Context, map[string]any) (string, error) {
		return "", nil
	})
}

func seededRegistry() *Registry {
	r := NewRegistry()
	r.Register(
		namedTool("GitHub_create_issue", "Create an issue in a repository This tool is from the 'GitHub' server."),
		namedTool("GitHub_list_issues", "List issues in a repository This tool is from the 'GitHub' server."),
		namedTool("Notion_search_pages", "Search pages in the workspace This tool is from the 'Notion' server."),
		namedTool("Slack_send_message", "Send a message to a channel This tool is from the 'Slack' server."),
		namedTool("Asana_list_tasks", "List tasks in a project This tool is from the 'Asana' server."),
	)
	return r
}

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name())
	}
	return names
}

func TestRegistryLookup(t *testing.T) {
	r := seededRegistry()

	assert.Equal(t, 5, r.Len())

	got, ok := r.Get("Slack_send_message")
	require.True(t, ok)
	assert.Equal(t, "Slack_send_message", got.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	// All preserves registration order.
	assert.Equal(t, []string{
		"GitHub_create_issue",
		"GitHub_list_issues",
		"Notion_search_pages",
		"Slack_send_message",
		"Asana_list_tasks",
	}, toolNames(r.All()))

	// Re-registering a name replaces in place without duplicating.
	r.Register(namedTool("Slack_send_message", "Updated description."))
	assert.Equal(t, 5, r.Len())
	got, _ = r.Get("Slack_send_message")
	assert.Equal(t, "Updated description.", got.Description())
}

func TestRegistrySearchRanksByRelevance(t *testing.T) {
	r := seededRegistry()

	results := r.Search("create issue", 5)
	require.NotEmpty(t, results)
	assert.Equal(t, "GitHub_create_issue", results[0].Name())

	results = r.Search("tasks project", 5)
	require.Len(t, results, 1)
	assert.Equal(t, "Asana_list_tasks", results[0].Name())

	// Terms appearing in both GitHub tools surface both.
	results = r.Search("github", 5)
	assert.ElementsMatch(t,
		[]string{"GitHub_create_issue", "GitHub_list_issues"},
		toolNames(results))
}

func TestRegistrySearchDropsZeroScores(t *testing.T) {
	r := seededRegistry()

	assert.Empty(t, r.Search("quantum blockchain", 5))
	assert.Empty(t, NewRegistry().Search("anything", 5))
}

func TestRegistrySearchHonorsLimit(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 7; i++ {
		r.Register(namedTool(
			fmt.Sprintf("email_tool_%d", i),
			fmt.Sprintf("Send an email message quickly option%d", i)))
	}

	results := r.Search("email", 5)
	assert.Len(t, results, 5)

	results = r.Search("email", 1)
	assert.Len(t, results, 1)
}

func TestDefinitions(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	echo := NewFunc("echo", "Echo the input.", params, func(_ context.Context, args map[string]any) (string, error) {
		return fmt.Sprintf("%v", args["text"]), nil
	})

	defs := Definitions([]Tool{echo})
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)
	assert.Equal(t, "Echo the input.", defs[0].Description)
	assert.Equal(t, params, defs[0].Parameters)

	out, err := echo.Call(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}
