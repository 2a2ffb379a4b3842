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

// Package oauth owns the OAuth lifecycle for MCP servers: token expiry
// detection and refresh-grant exchange, "Smart Auth" endpoint discovery,
// and the PKCE authorization-code flow (init + finalize).
//
// Stored credentials embed their oauth_config so a refresh never needs
// re-discovery. All network calls honor context cancellation.
package oauth

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExpirySkew is subtracted from expires_at when deciding whether a token
// is still usable, so tokens are refreshed before they actually lapse.
const ExpirySkew = 300 * time.Second

// Config is the OAuth client configuration embedded in stored credentials.
// It carries everything a refresh-grant exchange needs.
type Config struct {
	ClientID         string `json:"client_id"`
	ClientSecret     string `json:"client_secret,omitempty"`
	AuthorizationURL string `json:"authorization_url,omitempty"`
	TokenURL         string `json:"token_url,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

// Credentials is the token blob persisted per MCP server registration.
type Credentials struct {
	AccessToken  string  `json:"access_token,omitempty"`
	RefreshToken string  `json:"refresh_token,omitempty"`
	ExpiresAt    int64   `json:"expires_at,omitempty"`
	TokenType    string  `json:"token_type,omitempty"`
	OAuthConfig  *Config `json:"oauth_config,omitempty"`
}

// ParseCredentials decodes a stored credentials blob. Corrupt blobs are
// reported as errors; callers treat them as absent credentials.
func ParseCredentials(raw string) (*Credentials, error) {
	if raw == "" {
		return nil, nil
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return &creds, nil
}

// Encode serializes the credentials for persistence.
func (c *Credentials) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode credentials: %w", err)
	}
	return string(data), nil
}

// IsExpired reports whether the access token is expired or will expire
// within the skew buffer. Credentials without an expiry are treated as
// valid; the call will fail naturally if they are not.
func (c *Credentials) IsExpired() bool {
	if c == nil || c.ExpiresAt == 0 {
		return false
	}
	now := time.Now().Unix()
	return now >= c.ExpiresAt-int64(ExpirySkew.Seconds())
}
