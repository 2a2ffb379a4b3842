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

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kadirpekel/argus/pkg/oauth"
	"github.com/kadirpekel/argus/pkg/store"
)

// callbackPage closes the popup the connect flow opened. The settings
// page polls the server list to notice the completed connection.
const callbackPage = `<!DOCTYPE html>
<html>
<head><title>Connected</title></head>
<body>
<p>Authorization complete. You can close this window.</p>
<script>window.close();</script>
</body>
</html>
`

// handleOAuthConnect starts an authorization flow for an MCP server and
// redirects the browser to the provider's consent page. The callback
// lands on this gateway, so the redirect URI is derived from the
// request's own host.
func (s *Server) handleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	settingID, _ := strconv.ParseInt(q.Get("setting_id"), 10, 64)

	authURL, err := s.flow.Init(r.Context(), oauth.InitRequest{
		UserID:           s.userID(r),
		ServerName:       q.Get("server_name"),
		ServerURL:        q.Get("server_url"),
		RedirectURI:      s.callbackURI(r),
		ClientID:         q.Get("client_id"),
		ClientSecret:     q.Get("client_secret"),
		Scope:            q.Get("scope"),
		AuthorizationURL: q.Get("authorization_url"),
		TokenURL:         q.Get("token_url"),
		SettingID:        settingID,
	})
	if err != nil {
		respondFlowError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleOAuthCallback finishes the flow: exchange the code, persist the
// credentials against the server registration (creating one when the
// flow started without it), and hand the browser a close-window page.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		description := q.Get("error_description")
		if description == "" {
			description = errParam
		}
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Authorization failed: %s", description))
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		respondError(w, http.StatusBadRequest, "code and state are required")
		return
	}

	result, err := s.flow.Finalize(ctx, code, state)
	if err != nil {
		respondFlowError(w, err)
		return
	}

	if err := s.persistConnection(ctx, result); err != nil {
		slog.Error("Failed to persist OAuth credentials",
			"server", result.ServerName, "user_id", result.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}

	s.runtime.InvalidateAgent(result.UserID)
	slog.Info("OAuth connection established", "server", result.ServerName, "user_id", result.UserID)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, callbackPage)
}

// persistConnection writes the finalized credentials to the setting the
// flow was started for, or registers the server when none exists yet.
// A deactivated setting is reactivated: fresh credentials mean the user
// wants it back.
func (s *Server) persistConnection(ctx context.Context, result *oauth.FinalizeResult) error {
	encoded, err := result.Credentials.Encode()
	if err != nil {
		return err
	}
	expiresAt := result.Credentials.ExpiresAt

	settingID := result.SettingID
	if settingID == 0 {
		set, err := s.store.GetServerByName(ctx, result.UserID, result.ServerName)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return s.store.CreateServer(ctx, &store.ServerSetting{
				UserID:         result.UserID,
				ServerName:     result.ServerName,
				ServerURL:      result.ServerURL,
				IsActive:       true,
				Credentials:    encoded,
				TokenExpiresAt: expiresAt,
			})
		case err != nil:
			return err
		}
		settingID = set.ID
	}

	if err := s.store.SaveCredentials(ctx, settingID, encoded, expiresAt); err != nil {
		return err
	}
	active := true
	_, err = s.store.UpdateServer(ctx, result.UserID, settingID, store.ServerUpdate{IsActive: &active})
	return err
}

// handleOAuthInspect reports the full discovery chain for a server URL,
// for debugging connections that refuse to authorize.
func (s *Server) handleOAuthInspect(w http.ResponseWriter, r *http.Request) {
	serverURL := r.URL.Query().Get("url")
	if serverURL == "" {
		respondError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}

	respondJSON(w, http.StatusOK, s.inspector.Inspect(r.Context(), serverURL))
}

func (s *Server) callbackURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s/v1/oauth/callback", scheme, r.Host)
}

func respondFlowError(w http.ResponseWriter, err error) {
	var flowErr *oauth.FlowError
	if errors.As(err, &flowErr) {
		respondError(w, flowErr.Status, flowErr.Message)
		return
	}
	slog.Error("OAuth flow failed", "error", err)
	respondError(w, http.StatusInternalServerError, "OAuth flow failed")
}
