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

import (
	"fmt"
	"os"
)

// Provider names accepted in the models section.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// ModelConfig configures one LLM provider entry. The provider name is
// the key of the Models map.
type ModelConfig struct {
	// Model is the default model identifier for this provider
	// (e.g. "gemini-2.5-flash"). Requests may override it.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Default model identifier for this provider"`

	// APIKey authenticates against the provider. Supports ${VAR}
	// expansion; falls back to the provider's conventional environment
	// variable when empty.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// Host overrides the default API endpoint. Only honored by
	// providers reached over plain HTTP (anthropic).
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Custom base URL for the provider API"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Maximum tokens to generate,minimum=1,default=4096"`

	// Temperature for generation. Nil leaves the provider default.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Sampling temperature,minimum=0,maximum=2"`
}

// SetDefaults applies per-provider default values.
func (c *ModelConfig) SetDefaults(provider string) {
	if c.Model == "" {
		switch provider {
		case ProviderGemini:
			c.Model = "gemini-2.5-flash"
		case ProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		}
	}

	if c.APIKey == "" {
		c.APIKey = apiKeyFromEnv(provider)
	}

	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
}

// Validate checks one provider entry.
func (c *ModelConfig) Validate(provider string) error {
	switch provider {
	case ProviderGemini, ProviderAnthropic:
	default:
		return fmt.Errorf("unsupported provider %q (valid: gemini, anthropic)", provider)
	}

	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}

	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}

	return nil
}

// apiKeyFromEnv reads the conventional environment variable for a
// provider.
func apiKeyFromEnv(provider string) string {
	switch provider {
	case ProviderGemini:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return ""
	}
}
