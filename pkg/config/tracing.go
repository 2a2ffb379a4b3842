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

// TracingConfig configures OpenTelemetry tracing. Prometheus metrics
// are always on; tracing is opt-in because it needs a collector.
type TracingConfig struct {
	// Enabled turns on distributed tracing.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Enable distributed tracing,default=false"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" jsonschema:"title=Endpoint,description=OTLP gRPC collector endpoint,default=localhost:4317"`

	// ServiceName identifies this service in traces.
	// Default: "argus"
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty" jsonschema:"title=Service Name,description=Service name reported in traces,default=argus"`

	// SamplingRate controls what fraction of traces are sampled.
	// Range: 0.0 (none) to 1.0 (all). Default: 1.0
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty" jsonschema:"title=Sampling Rate,description=Fraction of traces sampled,minimum=0,maximum=1,default=1"`

	// Insecure disables TLS for the exporter connection.
	// Default: true (for local development)
	Insecure *bool `yaml:"insecure,omitempty" json:"insecure,omitempty" jsonschema:"title=Insecure,description=Disable TLS for the exporter connection,default=true"`

	// Timeout bounds exporter operations.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Exporter operation deadline,default=10s"`
}

// SetDefaults applies default values to TracingConfig.
func (c *TracingConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.ServiceName == "" {
		c.ServiceName = "argus"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.Insecure == nil {
		insecure := true
		c.Insecure = &insecure
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate checks the tracing configuration.
func (c *TracingConfig) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1")
	}
	if c.Enabled && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when tracing is enabled")
	}
	return nil
}
