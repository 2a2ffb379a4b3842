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

// strippedSchemaKeys are JSON-schema keywords some providers reject.
var strippedSchemaKeys = []string{"title", "default", "additionalProperties", "example", "examples"}

// SanitizeSchema returns a deep copy of schema with unsupported keywords
// removed at every nesting level. Arrays without items get a string items
// declaration, which Gemini requires.
func SanitizeSchema(schema map[string]any) map[string]any {
	sanitized, _ := sanitizeValue(schema).(map[string]any)
	return sanitized
}

func sanitizeValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, inner := range typed {
			out[key] = inner
		}
		for _, key := range strippedSchemaKeys {
			delete(out, key)
		}
		if out["type"] == "array" {
			if _, ok := out["items"]; !ok {
				out["items"] = map[string]any{"type": "string"}
			}
		}
		for key, inner := range out {
			out[key] = sanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}
