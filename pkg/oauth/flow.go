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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// exchangeTimeout bounds the authorization-code exchange call.
const exchangeTimeout = 30 * time.Second

// InitRequest carries the user-supplied parameters for starting an
// authorization flow. AuthorizationURL/TokenURL act as manual overrides;
// when absent, Smart Auth discovery fills them in.
type InitRequest struct {
	UserID           string
	ServerName       string
	ServerURL        string
	RedirectURI      string
	ClientID         string
	ClientSecret     string
	Scope            string
	AuthorizationURL string
	TokenURL         string
	SettingID        int64
}

// FinalizeResult is what the callback handler persists: the server
// identity plus the encoded credentials (embedding oauth_config).
type FinalizeResult struct {
	UserID      string
	ServerName  string
	ServerURL   string
	SettingID   int64
	Credentials *Credentials
}

// FlowError is a user-facing flow failure carrying an HTTP status hint.
type FlowError struct {
	Status  int
	Message string
}

func (e *FlowError) Error() string { return e.Message }

func flowErrorf(status int, format string, args ...any) *FlowError {
	return &FlowError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Flow drives the PKCE authorization-code flow end to end.
type Flow struct {
	states     StateStore
	discoverer *Discoverer
}

// NewFlow builds the flow service on top of a state store.
func NewFlow(states StateStore) *Flow {
	return &Flow{
		states:     states,
		discoverer: NewDiscoverer(),
	}
}

// Init starts an authorization flow and returns the provider URL to
// redirect the user to.
//
// Endpoint resolution order is manual override, then Smart Auth
// discovery. The PKCE verifier and everything finalize needs are stored
// under a fresh state string with a 10 minute TTL. Notion servers get the
// extra owner=user parameter their authorize endpoint requires.
func (f *Flow) Init(ctx context.Context, req InitRequest) (string, error) {
	if req.ServerURL == "" {
		return "", flowErrorf(http.StatusBadRequest, "Server URL is required for connection.")
	}

	authorizationURL := req.AuthorizationURL
	tokenURL := req.TokenURL
	if authorizationURL == "" || tokenURL == "" {
		discovered, err := f.discoverer.Discover(ctx, req.ServerURL)
		if err != nil {
			slog.Warn("OAuth discovery failed, relying on manual config", "server_url", req.ServerURL, "error", err)
		} else {
			if authorizationURL == "" {
				authorizationURL = discovered.AuthorizationURL
			}
			if tokenURL == "" {
				tokenURL = discovered.TokenURL
			}
		}
	}

	// token_url may stay empty here; finalize fails cleanly if the
	// provider never advertises one.
	if authorizationURL == "" {
		return "", flowErrorf(http.StatusBadRequest,
			"Could not determine OAuth configuration. Please provide 'Authorization URL' manually in Advanced Options.")
	}
	if req.ClientID == "" {
		return "", flowErrorf(http.StatusBadRequest,
			"Client ID missing. Please register the app with the provider and enter the Client ID.")
	}

	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return "", err
	}
	state := uuid.NewString()

	record := &State{
		ClientID:         req.ClientID,
		ClientSecret:     req.ClientSecret,
		RedirectURI:      req.RedirectURI,
		AuthorizationURL: authorizationURL,
		TokenURL:         tokenURL,
		ServerURL:        req.ServerURL,
		ServerName:       req.ServerName,
		Scope:            req.Scope,
		CodeVerifier:     verifier,
		UserID:           req.UserID,
		SettingID:        req.SettingID,
	}
	if err := f.states.Put(ctx, state, record); err != nil {
		return "", err
	}

	conf := &oauth2.Config{
		ClientID:    req.ClientID,
		RedirectURL: req.RedirectURI,
		Endpoint:    oauth2.Endpoint{AuthURL: authorizationURL, TokenURL: tokenURL},
	}
	if req.Scope != "" {
		conf.Scopes = []string{req.Scope}
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if strings.Contains(strings.ToLower(req.ServerURL), "notion") ||
		strings.Contains(strings.ToLower(req.ServerName), "notion") {
		opts = append(opts, oauth2.SetAuthURLParam("owner", "user"))
	}

	return conf.AuthCodeURL(state, opts...), nil
}

// Finalize consumes the state record and exchanges the authorization code
// for tokens. The returned credentials embed the oauth_config so later
// refreshes need no discovery.
func (f *Flow) Finalize(ctx context.Context, code, state string) (*FinalizeResult, error) {
	record, err := f.states.Take(ctx, state)
	if err != nil {
		if err == ErrStateNotFound {
			return nil, flowErrorf(http.StatusBadRequest, "Invalid or expired state")
		}
		return nil, err
	}
	if record.TokenURL == "" {
		return nil, flowErrorf(http.StatusBadRequest,
			"No token endpoint known for %s. Please provide 'Token URL' manually.", record.ServerName)
	}

	// Confidential clients authenticate with Basic auth; public clients
	// send client_id in the form body.
	authStyle := oauth2.AuthStyleInParams
	if record.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}
	conf := &oauth2.Config{
		ClientID:     record.ClientID,
		ClientSecret: record.ClientSecret,
		RedirectURL:  record.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   record.AuthorizationURL,
			TokenURL:  record.TokenURL,
			AuthStyle: authStyle,
		},
	}

	var opts []oauth2.AuthCodeOption
	if record.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(record.CodeVerifier))
	}

	slog.Info("Exchanging authorization code", "server", record.ServerName, "token_url", record.TokenURL)

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: exchangeTimeout})
	token, err := conf.Exchange(exchangeCtx, code, opts...)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			slog.Error("Token exchange failed",
				"server", record.ServerName,
				"status", retrieveErr.Response.StatusCode,
				"body", string(retrieveErr.Body))
			return nil, flowErrorf(http.StatusBadRequest, "Token exchange failed: %s", string(retrieveErr.Body))
		}
		return nil, flowErrorf(http.StatusBadGateway, "Token exchange failed: %v", err)
	}

	expiresAt := token.Expiry.Unix()
	if token.Expiry.IsZero() {
		expiresAt = time.Now().Unix() + 3600
	}

	creds := &Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
		TokenType:    token.Type(),
		OAuthConfig: &Config{
			ClientID:         record.ClientID,
			ClientSecret:     record.ClientSecret,
			AuthorizationURL: record.AuthorizationURL,
			TokenURL:         record.TokenURL,
			Scope:            record.Scope,
		},
	}

	slog.Info("Token exchanged", "server", record.ServerName, "expires_at", creds.ExpiresAt)

	return &FinalizeResult{
		UserID:      record.UserID,
		ServerName:  record.ServerName,
		ServerURL:   record.ServerURL,
		SettingID:   record.SettingID,
		Credentials: creds,
	}, nil
}
