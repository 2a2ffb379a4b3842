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
	"time"
)

// AuthConfig configures request authentication.
//
// Two modes are supported. JWT mode validates bearer tokens against a
// JWKS endpoint; the token's subject becomes the user id. API key mode
// maps static keys to fixed user ids for local development.
//
// Example:
//
//	server:
//	  auth:
//	    enabled: true
//	    jwks_url: "https://auth.example.com/.well-known/jwks.json"
//	    issuer: "https://auth.example.com"
//	    audience: "argus-api"
type AuthConfig struct {
	// Enabled controls whether authentication is required.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Require authentication,default=false"`

	// JWKSURL is the URL to fetch the JSON Web Key Set from.
	// Required when Enabled is true and no API keys are configured.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty" jsonschema:"title=JWKS URL,description=URL of the JSON Web Key Set"`

	// Issuer is the expected token issuer (iss claim).
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty" jsonschema:"title=Issuer,description=Expected token issuer"`

	// Audience is the expected token audience (aud claim).
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty" jsonschema:"title=Audience,description=Expected token audience"`

	// RefreshInterval is how often to refresh the JWKS.
	// Default: 15m
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty" jsonschema:"title=Refresh Interval,description=JWKS refresh interval,default=15m"`

	// APIKeys maps static API keys to user ids. Development mode:
	// requests carrying X-API-Key resolve to the mapped user without
	// JWT validation.
	APIKeys map[string]string `yaml:"api_keys,omitempty" json:"api_keys,omitempty" jsonschema:"title=API Keys,description=Static API key to user id map (development)"`

	// ExcludedPaths are paths that don't require authentication.
	// Default: ["/health", "/metrics"]
	ExcludedPaths []string `yaml:"excluded_paths,omitempty" json:"excluded_paths,omitempty" jsonschema:"title=Excluded Paths,description=Paths served without authentication"`
}

// SetDefaults applies default values to AuthConfig.
func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}

	if len(c.ExcludedPaths) == 0 {
		c.ExcludedPaths = []string{
			"/health",
			"/metrics",
		}
	}
}

// Validate checks the AuthConfig for errors.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	// API-key-only mode is valid without JWKS.
	if c.JWKSURL == "" {
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("auth.jwks_url or auth.api_keys is required when auth is enabled")
		}
		return nil
	}

	if c.Issuer == "" {
		return fmt.Errorf("auth.issuer is required when auth.jwks_url is set")
	}

	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("auth.refresh_interval must be at least 1 minute")
	}

	return nil
}

// IsEnabled returns true if authentication is configured and enabled.
func (c *AuthConfig) IsEnabled() bool {
	return c != nil && c.Enabled
}
