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

// Package auth validates inbound request identity: JWT bearer tokens
// against a provider's JWKS, or static API keys for local development.
// Validated claims travel on the request context; handlers read the
// user id from Claims.Subject.
package auth

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const claimsContextKey contextKey = "argus_auth_claims"

// Claims represents the validated claims of an authenticated request.
// The structure covers the common identity providers (Auth0, Okta,
// Keycloak); anything beyond the mapped fields lands in Custom.
type Claims struct {
	// Subject is the unique identifier for the user (sub claim).
	Subject string `json:"sub"`

	// Email is the user's email address, when the provider includes it.
	Email string `json:"email,omitempty"`

	// Role is the user's role for authorization decisions.
	Role string `json:"role,omitempty"`

	// Custom contains any additional claims not mapped to struct fields.
	Custom map[string]any `json:"-"`
}

// GetClaim retrieves a custom claim by key.
func (c *Claims) GetClaim(key string) (any, bool) {
	if c.Custom == nil {
		return nil, false
	}
	val, ok := c.Custom[key]
	return val, ok
}

// GetStringClaim retrieves a custom claim as a string, or "" when the
// claim is absent or not a string.
func (c *Claims) GetStringClaim(key string) string {
	if val, ok := c.GetClaim(key); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// HasAnyRole checks if the user has any of the specified roles.
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.Role == role {
			return true
		}
	}
	return false
}

// ClaimsFromContext extracts claims from a context. Returns nil if no
// claims are present.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// ContextWithClaims returns a new context carrying the given claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
