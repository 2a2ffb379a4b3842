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

package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/kadirpekel/argus/pkg/config"
)

// Authenticator guards HTTP handlers. Requests authenticate with a JWT
// bearer token, or with a static API key mapped to a user id when the
// configuration carries one (local development).
type Authenticator struct {
	validator TokenValidator
	apiKeys   map[string]string
	excluded  map[string]bool
}

// NewAuthenticator builds an Authenticator from configuration. Returns
// nil when authentication is not enabled.
func NewAuthenticator(cfg *config.AuthConfig) (*Authenticator, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}

	a := &Authenticator{
		apiKeys:  cfg.APIKeys,
		excluded: make(map[string]bool, len(cfg.ExcludedPaths)),
	}
	for _, p := range cfg.ExcludedPaths {
		a.excluded[p] = true
	}

	if cfg.JWKSURL != "" {
		validator, err := NewJWTValidator(JWTValidatorConfig{
			JWKSURL:         cfg.JWKSURL,
			Issuer:          cfg.Issuer,
			Audience:        cfg.Audience,
			RefreshInterval: cfg.RefreshInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT validator: %w", err)
		}
		a.validator = validator
	}

	return a, nil
}

// Middleware authenticates the request and injects the claims into its
// context. Excluded paths pass through untouched.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.pathExcluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" && len(a.apiKeys) > 0 {
			userID, ok := a.apiKeys[key]
			if !ok {
				writeAuthError(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			ctx := ContextWithClaims(r.Context(), &Claims{Subject: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAuthError(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			writeAuthError(w, "Invalid Authorization format, expected: Bearer <token>", http.StatusUnauthorized)
			return
		}
		if a.validator == nil {
			writeAuthError(w, "Bearer tokens are not accepted, use X-API-Key", http.StatusUnauthorized)
			return
		}

		claims, err := a.validator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			writeAuthError(w, fmt.Sprintf("Invalid token: %s", err.Error()), http.StatusUnauthorized)
			return
		}

		ctx := ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// pathExcluded matches the configured exclusions, tolerating trailing
// slash variants on either side.
func (a *Authenticator) pathExcluded(path string) bool {
	if a.excluded[path] {
		return true
	}
	if a.excluded[strings.TrimSuffix(path, "/")] {
		return true
	}
	return a.excluded[path+"/"]
}

// RequireRole requires the authenticated user to hold one of the given
// roles. Must run after Middleware in the chain.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeAuthError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !claims.HasAnyRole(roles...) {
				writeAuthError(w, "Forbidden: insufficient permissions", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
