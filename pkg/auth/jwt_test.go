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
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func generateRSAKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	return privateKey, &privateKey.PublicKey
}

func createJWKS(t *testing.T, publicKey *rsa.PublicKey) jwk.Set {
	t.Helper()
	key, err := jwk.FromRaw(publicKey)
	if err != nil {
		t.Fatalf("Failed to create JWK: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		t.Fatalf("Failed to set key id: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("Failed to set algorithm: %v", err)
	}

	keyset := jwk.NewSet()
	if err := keyset.AddKey(key); err != nil {
		t.Fatalf("Failed to add key: %v", err)
	}
	return keyset
}

func newJWKSServer(t *testing.T, keyset jwk.Set) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)
	return server.URL + "/.well-known/jwks.json"
}

func createTestJWT(t *testing.T, privateKey *rsa.PrivateKey, issuer, audience, subject string, claims map[string]any) string {
	t.Helper()
	token := jwt.New()
	sets := map[string]any{
		jwt.IssuerKey:     issuer,
		jwt.AudienceKey:   audience,
		jwt.SubjectKey:    subject,
		jwt.IssuedAtKey:   time.Now(),
		jwt.ExpirationKey: time.Now().Add(time.Hour),
	}
	for k, v := range sets {
		if err := token.Set(k, v); err != nil {
			t.Fatalf("Failed to set %s: %v", k, err)
		}
	}
	for k, v := range claims {
		if err := token.Set(k, v); err != nil {
			t.Fatalf("Failed to set claim %s: %v", k, err)
		}
	}

	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		t.Fatalf("Failed to create signing key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		t.Fatalf("Failed to set key id: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return string(signed)
}

func setupTestValidator(t *testing.T) (*JWTValidator, *rsa.PrivateKey, string, string) {
	t.Helper()
	privateKey, publicKey := generateRSAKeyPair(t)
	jwksURL := newJWKSServer(t, createJWKS(t, publicKey))
	issuer := "https://test-issuer.com"
	audience := "test-audience"

	validator, err := NewJWTValidator(JWTValidatorConfig{
		JWKSURL:  jwksURL,
		Issuer:   issuer,
		Audience: audience,
	})
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	return validator, privateKey, issuer, audience
}

func TestNewJWTValidator(t *testing.T) {
	_, publicKey := generateRSAKeyPair(t)
	jwksURL := newJWKSServer(t, createJWKS(t, publicKey))

	tests := []struct {
		name      string
		jwksURL   string
		wantError bool
	}{
		{name: "valid_configuration", jwksURL: jwksURL, wantError: false},
		{name: "empty_jwks_url", jwksURL: "", wantError: true},
		{name: "unreachable_jwks_url", jwksURL: "http://127.0.0.1:1/jwks.json", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(JWTValidatorConfig{
				JWKSURL:  tt.jwksURL,
				Issuer:   "https://test-issuer.com",
				Audience: "test-audience",
			})
			if tt.wantError {
				if err == nil {
					t.Error("NewJWTValidator() expected error, got nil")
				}
				if validator != nil {
					t.Error("NewJWTValidator() expected nil validator on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() error = %v, want nil", err)
			}
			if validator.jwksURL != tt.jwksURL {
				t.Errorf("NewJWTValidator() jwksURL = %v, want %v", validator.jwksURL, tt.jwksURL)
			}
		})
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	validator, privateKey, issuer, audience := setupTestValidator(t)
	ctx := context.Background()

	t.Run("valid_token", func(t *testing.T) {
		token := createTestJWT(t, privateKey, issuer, audience, "test-user-123", map[string]any{
			"email": "test@example.com",
			"role":  "admin",
			"org":   "acme",
		})

		claims, err := validator.ValidateToken(ctx, token)
		if err != nil {
			t.Fatalf("ValidateToken() error = %v", err)
		}
		if claims.Subject != "test-user-123" {
			t.Errorf("Subject = %v, want test-user-123", claims.Subject)
		}
		if claims.Email != "test@example.com" {
			t.Errorf("Email = %v, want test@example.com", claims.Email)
		}
		if claims.Role != "admin" {
			t.Errorf("Role = %v, want admin", claims.Role)
		}
		if got := claims.GetStringClaim("org"); got != "acme" {
			t.Errorf("GetStringClaim(org) = %v, want acme", got)
		}
		if _, ok := claims.GetClaim("iss"); ok {
			t.Error("standard claims should not appear in Custom")
		}
	})

	t.Run("expired_token", func(t *testing.T) {
		token := jwt.New()
		_ = token.Set(jwt.IssuerKey, issuer)
		_ = token.Set(jwt.AudienceKey, audience)
		_ = token.Set(jwt.SubjectKey, "test-user-123")
		_ = token.Set(jwt.IssuedAtKey, time.Now().Add(-2*time.Hour))
		_ = token.Set(jwt.ExpirationKey, time.Now().Add(-time.Hour))

		key, err := jwk.FromRaw(privateKey)
		if err != nil {
			t.Fatalf("Failed to create key: %v", err)
		}
		signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
		if err != nil {
			t.Fatalf("Failed to sign token: %v", err)
		}

		if _, err := validator.ValidateToken(ctx, string(signed)); err == nil {
			t.Error("ValidateToken() expected error for expired token")
		}
	})

	t.Run("wrong_issuer", func(t *testing.T) {
		token := createTestJWT(t, privateKey, "https://evil-issuer.com", audience, "test-user-123", nil)
		if _, err := validator.ValidateToken(ctx, token); err == nil {
			t.Error("ValidateToken() expected error for wrong issuer")
		}
	})

	t.Run("wrong_audience", func(t *testing.T) {
		token := createTestJWT(t, privateKey, issuer, "other-audience", "test-user-123", nil)
		if _, err := validator.ValidateToken(ctx, token); err == nil {
			t.Error("ValidateToken() expected error for wrong audience")
		}
	})

	t.Run("unknown_signing_key", func(t *testing.T) {
		otherKey, _ := generateRSAKeyPair(t)
		token := createTestJWT(t, otherKey, issuer, audience, "test-user-123", nil)
		if _, err := validator.ValidateToken(ctx, token); err == nil {
			t.Error("ValidateToken() expected error for unknown signing key")
		}
	})

	t.Run("garbage_token", func(t *testing.T) {
		if _, err := validator.ValidateToken(ctx, "not-a-jwt"); err == nil {
			t.Error("ValidateToken() expected error for malformed token")
		}
	})
}

func TestJWTValidator_NoAudienceConfigured(t *testing.T) {
	privateKey, publicKey := generateRSAKeyPair(t)
	jwksURL := newJWKSServer(t, createJWKS(t, publicKey))
	issuer := "https://test-issuer.com"

	validator, err := NewJWTValidator(JWTValidatorConfig{JWKSURL: jwksURL, Issuer: issuer})
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	// Without a configured audience any aud claim passes.
	token := createTestJWT(t, privateKey, issuer, "some-audience", "test-user-123", nil)
	claims, err := validator.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "test-user-123" {
		t.Errorf("Subject = %v, want test-user-123", claims.Subject)
	}
}
