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
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator validates a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// JWTValidatorConfig configures a JWTValidator.
type JWTValidatorConfig struct {
	// JWKSURL is the provider's JSON Web Key Set endpoint.
	JWKSURL string

	// Issuer is the expected iss claim.
	Issuer string

	// Audience is the expected aud claim. Empty skips the audience
	// check.
	Audience string

	// RefreshInterval is the minimum JWKS refresh interval, covering
	// provider key rotation. Defaults to 15 minutes.
	RefreshInterval time.Duration
}

// JWTValidator validates JWT tokens from an external auth provider.
// The provider's JWKS is fetched once at construction and auto-refreshed
// in the background.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewJWTValidator creates a validator that fetches and caches the
// provider's JWKS. Construction fails when the initial fetch does,
// surfacing a bad URL at startup instead of on the first request.
func NewJWTValidator(cfg JWTValidatorConfig) (*JWTValidator, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("JWKS URL is required")
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	ctx := context.Background()
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(interval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &JWTValidator{
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

// ValidateToken verifies the token's signature against the cached JWKS
// along with its expiration, issuer, and (when configured) audience,
// and extracts the claims.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}

	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key := pair.Key.(string)
		switch key {
		case "sub", "email", "role", "iss", "aud", "exp", "iat", "nbf":
		default:
			claims.Custom[key] = pair.Value
		}
	}

	return claims, nil
}
