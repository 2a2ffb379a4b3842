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

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Host to bind to,default=0.0.0.0"`

	// Port to listen on.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Port to listen on,minimum=1,maximum=65535,default=8080"`

	// ReadTimeout bounds request header+body reads.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty" jsonschema:"title=Read Timeout,description=Maximum duration for reading a request,default=30s"`

	// WriteTimeout bounds response writes. Zero means no limit; SSE
	// streams need it disabled.
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty" jsonschema:"title=Write Timeout,description=Maximum duration for writing a response (0 disables; required for SSE)"`

	// IdleTimeout bounds keep-alive waits.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty" jsonschema:"title=Idle Timeout,description=Maximum keep-alive wait,default=120s"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty" jsonschema:"title=Shutdown Timeout,description=Graceful shutdown deadline,default=5s"`

	// CORS configuration. Nil means permissive development defaults.
	CORS *CORSConfig `yaml:"cors,omitempty" json:"cors,omitempty" jsonschema:"title=CORS,description=Cross-origin resource sharing settings"`

	// Auth configures request authentication.
	Auth *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty" jsonschema:"title=Auth,description=JWT / API key authentication"`
}

// CORSConfig restricts cross-origin access.
type CORSConfig struct {
	// AllowedOrigins is a list of allowed origins.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty" jsonschema:"title=Allowed Origins,description=List of allowed origins"`

	// AllowedMethods is a list of allowed HTTP methods.
	AllowedMethods []string `yaml:"allowed_methods,omitempty" json:"allowed_methods,omitempty" jsonschema:"title=Allowed Methods,description=List of allowed HTTP methods"`

	// AllowedHeaders is a list of allowed headers.
	AllowedHeaders []string `yaml:"allowed_headers,omitempty" json:"allowed_headers,omitempty" jsonschema:"title=Allowed Headers,description=List of allowed headers"`

	// AllowCredentials allows credentials.
	AllowCredentials *bool `yaml:"allow_credentials,omitempty" json:"allow_credentials,omitempty" jsonschema:"title=Allow Credentials,description=Allow credentialed requests"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Auth != nil {
		c.Auth.SetDefaults()
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Address returns the host:port listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
