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
)

// SearchToolName is the reserved name of the tool-discovery tool. It is
// never gated for approval and never appears in search results.
const SearchToolName = "search_tools"

// searchResultLimit caps how many matches the model sees per query.
const searchResultLimit = 5

// NewSearchTool builds the discovery tool over a registry: the model
// queries it to find tools worth binding for the next step.
func NewSearchTool(registry *Registry) Tool {
	parameters := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query to find relevant tools.",
			},
		},
		"required": []string{"query"},
	}

	return NewFunc(
		SearchToolName,
		"Search for available tools based on a query. Use this to find tools that can help you verify your task.",
		parameters,
		func(_ context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)

			matches := registry.Search(query, searchResultLimit)
			type hit struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			hits := make([]hit, 0, len(matches))
			for _, m := range matches {
				hits = append(hits, hit{Name: m.Name(), Description: m.Description()})
			}

			encoded, err := json.Marshal(hits)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	)
}
