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

import "github.com/kadirpekel/argus/pkg/httpclient"

// MCPConfig tunes outbound connections to MCP servers. Self-hosted
// servers frequently sit behind private CAs.
type MCPConfig struct {
	// InsecureSkipVerify disables TLS certificate verification for MCP
	// server connections. Dev/test only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty" jsonschema:"title=Insecure Skip Verify,description=Skip TLS certificate verification for MCP servers (dev/test only),default=false"`

	// CACertificate is the path to a PEM CA bundle trusted for MCP
	// server connections, in addition to nothing else: setting it
	// replaces the system roots for these connections.
	CACertificate string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty" jsonschema:"title=CA Certificate,description=Path to a PEM CA certificate trusted for MCP server connections"`
}

// SetDefaults applies default values.
func (c *MCPConfig) SetDefaults() {}

// Validate checks the MCP configuration. A bad CA path surfaces at
// connection time, not here: the file may legitimately appear after
// the gateway boots (mounted secrets).
func (c *MCPConfig) Validate() error {
	return nil
}

// TLS returns the transport options for MCP connections, nil when the
// section is unset so connectors keep the default transport.
func (c *MCPConfig) TLS() *httpclient.TLSConfig {
	if !c.InsecureSkipVerify && c.CACertificate == "" {
		return nil
	}
	return &httpclient.TLSConfig{
		InsecureSkipVerify: c.InsecureSkipVerify,
		CACertificate:      c.CACertificate,
	}
}
