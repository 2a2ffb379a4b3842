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

package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// pkceVerifierBytes is the entropy of the PKCE code verifier. 32 bytes
// (256 bits) is the recommended size for S256.
const pkceVerifierBytes = 32

// GeneratePKCE returns a code verifier and its S256 challenge, both
// base64url-encoded without padding per RFC 7636.
func GeneratePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return verifier, challenge, nil
}

// authParamRegex extracts key="value" pairs from a WWW-Authenticate
// header's parameter list.
var authParamRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate parses a WWW-Authenticate header value into its
// scheme and quoted parameters. Parameter names are lowercased.
//
// Example:
//
//	Bearer realm="https://auth.example.com", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"
func ParseWWWAuthenticate(header string) (scheme string, params map[string]string) {
	params = make(map[string]string)
	header = strings.TrimSpace(header)
	if header == "" {
		return "", params
	}

	parts := strings.SplitN(header, " ", 2)
	scheme = parts[0]
	if len(parts) < 2 {
		return scheme, params
	}

	for _, match := range authParamRegex.FindAllStringSubmatch(parts[1], -1) {
		params[strings.ToLower(match[1])] = match[2]
	}
	return scheme, params
}
