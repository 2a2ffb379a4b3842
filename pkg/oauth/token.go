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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kadirpekel/argus/pkg/httpclient"
	"github.com/kadirpekel/argus/pkg/observability"
)

// refreshTimeout caps a single refresh-grant exchange.
const refreshTimeout = 30 * time.Second

// tokenResponse is the provider's token endpoint payload, shared by the
// refresh grant and the authorization-code exchange.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// TokenManager performs refresh-token exchanges against provider token
// endpoints.
type TokenManager struct {
	client *httpclient.Client
}

// NewTokenManager builds a token manager. The underlying HTTP client does
// not retry: a refresh either succeeds on the first attempt or the caller
// falls back to re-authentication.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		client: httpclient.New(
			httpclient.WithMaxRetries(0),
			httpclient.WithTimeout(refreshTimeout),
		),
	}
}

// Refresh exchanges the stored refresh token for fresh credentials.
//
// Client authentication is HTTP Basic when a client secret is configured,
// otherwise the client_id travels in the form body (public client). The
// returned credentials carry the new access token, a recomputed expires_at
// (expires_in defaults to 3600 s), the previous refresh token when the
// provider did not rotate it, and the original oauth_config.
//
// Any HTTP or network failure returns (nil, err); the caller decides
// whether to escalate to re-authentication.
func (m *TokenManager) Refresh(ctx context.Context, serverName string, creds *Credentials, cfg *Config) (_ *Credentials, err error) {
	defer func() { observability.GetGlobalMetrics().RecordTokenRefresh(serverName, err) }()

	if creds == nil || creds.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available for %s", serverName)
	}
	if cfg == nil || cfg.TokenURL == "" {
		return nil, fmt.Errorf("no token_url configured for %s", serverName)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("no client_id configured for %s", serverName)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)
	if cfg.ClientSecret == "" {
		form.Set("client_id", cfg.ClientID)
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if cfg.ClientSecret != "" {
		req.SetBasicAuth(cfg.ClientID, cfg.ClientSecret)
	}

	slog.Info("Refreshing OAuth token", "server", serverName)

	resp, err := m.client.Do(req)
	if resp == nil {
		return nil, fmt.Errorf("token refresh failed for %s: %w", serverName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read refresh response for %s: %w", serverName, readErr)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("Token refresh failed",
			"server", serverName,
			"status", resp.StatusCode,
			"body", string(body))
		return nil, fmt.Errorf("token refresh failed for %s: HTTP %d", serverName, resp.StatusCode)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response for %s: %w", serverName, err)
	}

	expiresIn := token.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = creds.RefreshToken
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	slog.Info("Token refreshed", "server", serverName, "expires_in", expiresIn)

	return &Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Unix() + expiresIn,
		TokenType:    tokenType,
		OAuthConfig:  cfg,
	}, nil
}
