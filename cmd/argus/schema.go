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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/argus/pkg/config"
)

// SchemaCmd generates JSON Schema from the configuration structs.
// Output goes to stdout so it can be redirected into docs or a UI
// config builder.
type SchemaCmd struct {
	// Compact enables compact JSON output (no indentation)
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		// Disallow additional properties for strict validation
		AllowAdditionalProperties: false,
		// Inline all definitions (no $ref) for form-builder compatibility
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://github.com/kadirpekel/argus/schemas/config.json"
	schema.Title = "Argus Configuration Schema"
	schema.Description = "Configuration schema for the Argus agent gateway"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"server": map[string]interface{}{
				"port": 8000,
			},
			"database": map[string]interface{}{
				"driver":   "sqlite",
				"database": "argus.db",
			},
			"redis": map[string]interface{}{
				"addr": "localhost:6379",
			},
			"models": map[string]interface{}{
				"gemini": map[string]interface{}{
					"api_key": "${GEMINI_API_KEY}",
				},
			},
			"default_provider": "gemini",
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	return nil
}
