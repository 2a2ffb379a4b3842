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

// Package tool builds the per-user tool surface exposed to the model.
//
// Tools come from the user's registered MCP servers. The factory prefers
// each server's cached manifest over a network listing, filters tools the
// user disabled, sanitizes schemas for provider compatibility, namespaces
// names by server, and deduplicates collisions. Every user surface also
// carries a search_tools meta-tool backed by a BM25 index, so agents can
// discover tools beyond the ones bound to the current step.
package tool

import "context"

// Tool is a single capability the model can invoke.
type Tool interface {
	// Name returns the exposed, namespaced tool name.
	Name() string

	// Description returns the description shown to the model.
	Description() string

	// Definition returns the function-calling declaration.
	Definition() Definition

	// Call executes the tool. The returned string is the observation for
	// the model; an error means execution could not proceed at all (for
	// example, the user denied it).
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Definition is a tool declaration for LLM function calling.
type Definition struct {
	Name        string
	Description string
	// Parameters holds a JSON-schema object, or nil for tools without
	// arguments.
	Parameters map[string]any
}

// funcTool adapts a plain function into a Tool.
type funcTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (string, error)
}

// NewFunc wraps fn as a Tool with the given declaration.
func NewFunc(name, description string, parameters map[string]any, fn func(ctx context.Context, args map[string]any) (string, error)) Tool {
	return &funcTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.description }

func (t *funcTool) Definition() Definition {
	return Definition{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.parameters,
	}
}

func (t *funcTool) Call(ctx context.Context, args map[string]any) (string, error) {
	return t.fn(ctx, args)
}

// Definitions collects declarations for a set of tools, preserving order.
func Definitions(tools []Tool) []Definition {
	defs := make([]Definition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	return defs
}
