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

// Package config defines the gateway configuration: YAML with
// ${ENV_VAR} expansion, per-section defaults and validation, and
// hot-reload through the provider abstraction.
package config

import "fmt"

// Config is the root gateway configuration.
//
// Example:
//
//	server:
//	  port: 8080
//	database:
//	  driver: sqlite
//	  database: argus.db
//	models:
//	  gemini:
//	    api_key: ${GEMINI_API_KEY}
type Config struct {
	// Server configures the HTTP listener and auth.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server,description=HTTP server configuration"`

	// Database configures the SQL persistence layer.
	Database DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database,description=SQL database configuration"`

	// Redis configures the Redis connection used for checkpoints and
	// ephemeral OAuth state.
	Redis RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty" jsonschema:"title=Redis,description=Redis connection configuration"`

	// Checkpointer selects the conversation checkpoint backend.
	Checkpointer CheckpointerConfig `yaml:"checkpointer,omitempty" json:"checkpointer,omitempty" jsonschema:"title=Checkpointer,description=Checkpoint backend configuration"`

	// MCP tunes outbound connections to MCP servers.
	MCP MCPConfig `yaml:"mcp,omitempty" json:"mcp,omitempty" jsonschema:"title=MCP,description=Outbound MCP connection configuration"`

	// Models holds one entry per LLM provider, keyed by provider name
	// (gemini, anthropic).
	Models map[string]*ModelConfig `yaml:"models,omitempty" json:"models,omitempty" jsonschema:"title=Models,description=LLM provider entries keyed by provider name"`

	// DefaultProvider names the provider used when a request doesn't
	// pick one.
	DefaultProvider string `yaml:"default_provider,omitempty" json:"default_provider,omitempty" jsonschema:"title=Default Provider,description=Provider used when the request names none,enum=gemini,enum=anthropic,default=gemini"`

	// Logger configures logging behavior.
	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty" jsonschema:"title=Logger,description=Logging configuration"`

	// Tracing configures OpenTelemetry export.
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty" jsonschema:"title=Tracing,description=OpenTelemetry tracing configuration"`
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.Checkpointer.SetDefaults()
	c.MCP.SetDefaults()
	c.Logger.SetDefaults()
	c.Tracing.SetDefaults()

	if c.Models == nil {
		c.Models = make(map[string]*ModelConfig)
	}
	if len(c.Models) == 0 {
		c.Models[ProviderGemini] = &ModelConfig{}
	}
	for provider, m := range c.Models {
		if m == nil {
			m = &ModelConfig{}
			c.Models[provider] = m
		}
		m.SetDefaults(provider)
	}

	if c.DefaultProvider == "" {
		if _, ok := c.Models[ProviderGemini]; ok {
			c.DefaultProvider = ProviderGemini
		} else {
			for provider := range c.Models {
				c.DefaultProvider = provider
				break
			}
		}
	}
}

// Validate checks the whole configuration, prefixing errors with the
// failing section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := c.Checkpointer.Validate(); err != nil {
		return fmt.Errorf("checkpointer: %w", err)
	}
	if err := c.MCP.Validate(); err != nil {
		return fmt.Errorf("mcp: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	for provider, m := range c.Models {
		if err := m.Validate(provider); err != nil {
			return fmt.Errorf("models.%s: %w", provider, err)
		}
	}

	if c.DefaultProvider != "" {
		if _, ok := c.Models[c.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q has no models entry", c.DefaultProvider)
		}
	}

	return nil
}

// Model returns the entry for the named provider, falling back to the
// default provider when name is empty.
func (c *Config) Model(provider string) (*ModelConfig, bool) {
	if provider == "" {
		provider = c.DefaultProvider
	}
	m, ok := c.Models[provider]
	return m, ok
}
