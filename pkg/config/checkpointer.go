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

package config

// CheckpointerConfig selects the conversation checkpoint backend.
//
// An unknown backend is not a configuration error: the checkpoint
// factory logs a warning and falls back to memory, so a typo degrades
// durability instead of refusing to boot.
type CheckpointerConfig struct {
	// Backend is "redis" (default) or "memory".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"title=Backend,description=Checkpoint backend,enum=redis,enum=memory,default=redis"`
}

// SetDefaults applies default values.
func (c *CheckpointerConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "redis"
	}
}

// Validate checks the checkpointer configuration.
func (c *CheckpointerConfig) Validate() error {
	return nil
}
