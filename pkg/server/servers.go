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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/argus/pkg/mcp"
	"github.com/kadirpekel/argus/pkg/oauth"
	"github.com/kadirpekel/argus/pkg/store"
)

const (
	// syncConcurrency bounds parallel manifest refreshes in the
	// startup sweep.
	syncConcurrency = 4

	// testConnectionTimeout bounds one connectivity probe.
	testConnectionTimeout = 15 * time.Second
)

// serverView is the wire shape of a server setting. Credentials never
// leave the gateway; only their presence is reported.
type serverView struct {
	ID             int64      `json:"id"`
	UserID         string     `json:"user_id"`
	ServerName     string     `json:"server_name"`
	ServerURL      string     `json:"server_url"`
	IsActive       bool       `json:"is_active"`
	Description    string     `json:"description"`
	HasCredentials bool       `json:"has_credentials"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`
}

func viewSetting(set *store.ServerSetting) serverView {
	return serverView{
		ID:             set.ID,
		UserID:         set.UserID,
		ServerName:     set.ServerName,
		ServerURL:      set.ServerURL,
		IsActive:       set.IsActive,
		Description:    set.Description,
		HasCredentials: set.Credentials != "",
		LastSyncedAt:   set.LastSyncedAt,
	}
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.ListServers(r.Context(), s.userID(r))
	if err != nil {
		slog.Error("Failed to list server settings", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list settings")
		return
	}

	out := make([]serverView, 0, len(settings))
	for _, set := range settings {
		out = append(out, viewSetting(set))
	}
	respondJSON(w, http.StatusOK, out)
}

type serverCreateRequest struct {
	ServerName  string `json:"server_name"`
	ServerURL   string `json:"server_url"`
	IsActive    *bool  `json:"is_active"`
	Description string `json:"description"`
	Credentials string `json:"credentials"`
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)

	var req serverCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ServerName == "" {
		respondError(w, http.StatusBadRequest, "server_name is required")
		return
	}
	if req.ServerURL == "" {
		respondError(w, http.StatusBadRequest, "server_url is required")
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	set := &store.ServerSetting{
		UserID:      userID,
		ServerName:  req.ServerName,
		ServerURL:   req.ServerURL,
		IsActive:    active,
		Description: req.Description,
		Credentials: req.Credentials,
	}
	if err := s.store.CreateServer(r.Context(), set); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			respondError(w, http.StatusConflict, "A setting with this name already exists for this user.")
			return
		}
		slog.Error("Failed to create server setting", "server", req.ServerName, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create setting")
		return
	}

	s.runtime.InvalidateAgent(userID)
	respondJSON(w, http.StatusCreated, viewSetting(set))
}

type serverUpdateRequest struct {
	ServerName  *string `json:"server_name"`
	ServerURL   *string `json:"server_url"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
	Credentials *string `json:"credentials"`
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)

	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	var req serverUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	set, err := s.store.UpdateServer(r.Context(), userID, id, store.ServerUpdate{
		ServerName:  req.ServerName,
		ServerURL:   req.ServerURL,
		Description: req.Description,
		IsActive:    req.IsActive,
		Credentials: req.Credentials,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "Setting not found")
		return
	case errors.Is(err, store.ErrNotOwned):
		respondError(w, http.StatusForbidden, "Not authorized to update this setting.")
		return
	case errors.Is(err, store.ErrDuplicate):
		respondError(w, http.StatusConflict, "A setting with this name already exists for this user.")
		return
	case err != nil:
		slog.Error("Failed to update server setting", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to update setting")
		return
	}

	s.runtime.InvalidateAgent(userID)
	respondJSON(w, http.StatusOK, viewSetting(set))
}

// handleDeleteServer removes a setting. When standing tool approvals
// still reference the server by name the setting is deactivated
// instead, so those grants keep their context.
func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)

	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	set, err := s.store.GetServer(ctx, userID, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "Setting not found")
		return
	case errors.Is(err, store.ErrNotOwned):
		respondError(w, http.StatusForbidden, "Not authorized to delete this setting.")
		return
	case err != nil:
		slog.Error("Failed to load server setting", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load setting")
		return
	}

	approvals, err := s.store.ListApprovals(ctx, userID)
	if err != nil {
		slog.Error("Failed to check standing approvals", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete setting")
		return
	}
	for _, a := range approvals {
		if a.ServerName == set.ServerName {
			inactive := false
			if _, err := s.store.UpdateServer(ctx, userID, id, store.ServerUpdate{IsActive: &inactive}); err != nil {
				slog.Error("Failed to deactivate server setting", "id", id, "error", err)
				respondError(w, http.StatusInternalServerError, "failed to delete setting")
				return
			}
			s.runtime.InvalidateAgent(userID)
			respondJSON(w, http.StatusOK, map[string]string{"message": "Setting deactivated"})
			return
		}
	}

	if err := s.store.DeleteServer(ctx, userID, id); err != nil {
		slog.Error("Failed to delete server setting", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete setting")
		return
	}

	s.runtime.InvalidateAgent(userID)
	respondJSON(w, http.StatusOK, map[string]string{"message": "Setting deleted successfully"})
}

type testConnectionRequest struct {
	ServerURL string `json:"server_url"`
}

// handleTestConnection probes an MCP server without registering it.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ServerURL == "" {
		respondError(w, http.StatusBadRequest, "server_url is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testConnectionTimeout)
	defer cancel()

	connector, err := mcp.NewConnector(mcp.Config{ServerURL: req.ServerURL, ServerName: "test", TLS: s.cfg.MCP.TLS()})
	if err == nil {
		defer connector.Close()
		_, err = connector.ListTools(ctx)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to connect to MCP server: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Connection to MCP server successful.",
	})
}

func (s *Server) handleRefreshManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)

	set, ok := s.settingFromPath(w, r)
	if !ok {
		return
	}

	tools, err := s.refreshManifest(ctx, set)
	if err != nil {
		slog.Error("Manifest refresh failed", "server", set.ServerName, "error", err)
		respondError(w, http.StatusBadGateway, fmt.Sprintf("Failed to refresh tools: %v", err))
		return
	}

	s.runtime.InvalidateAgent(userID)
	respondJSON(w, http.StatusOK, map[string]any{"message": "Tools refreshed", "tool_count": len(tools)})
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsEnabled   bool   `json:"is_enabled"`
}

// handleServerTools lists the server's cached tool manifest with each
// tool's permission state. Tools without a permission row are enabled.
func (s *Server) handleServerTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)

	set, ok := s.settingFromPath(w, r)
	if !ok {
		return
	}

	tools, err := mcp.ParseManifest(set.ToolsManifest)
	if err != nil {
		slog.Error("Corrupt tools manifest", "server", set.ServerName, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to parse tools manifest")
		return
	}

	disabled, err := s.store.DisabledTools(ctx, userID, set.ID)
	if err != nil {
		slog.Error("Failed to load tool permissions", "server", set.ServerName, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load tool permissions")
		return
	}

	out := make([]toolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolInfo{
			Name:        t.Name,
			Description: t.Description,
			IsEnabled:   !disabled[t.Name],
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type toolToggleRequest struct {
	ToolName  string `json:"tool_name"`
	IsEnabled *bool  `json:"is_enabled"`
}

func (s *Server) handleToggleTool(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)

	set, ok := s.settingFromPath(w, r)
	if !ok {
		return
	}

	var req toolToggleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ToolName == "" {
		respondError(w, http.StatusBadRequest, "tool_name is required")
		return
	}
	if req.IsEnabled == nil {
		respondError(w, http.StatusBadRequest, "is_enabled is required")
		return
	}

	if err := s.store.SetToolEnabled(r.Context(), userID, set.ID, req.ToolName, *req.IsEnabled); err != nil {
		slog.Error("Failed to set tool permission", "tool", req.ToolName, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to update tool permission")
		return
	}

	s.runtime.InvalidateAgent(userID)

	verb := "enabled"
	if !*req.IsEnabled {
		verb = "disabled"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":    fmt.Sprintf("Tool %s %s", req.ToolName, verb),
		"is_enabled": *req.IsEnabled,
	})
}

// settingFromPath loads the setting addressed by the {id} path segment,
// hiding foreign settings behind the same 404 as missing ones.
func (s *Server) settingFromPath(w http.ResponseWriter, r *http.Request) (*store.ServerSetting, bool) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid server id")
		return nil, false
	}

	set, err := s.store.GetServer(r.Context(), s.userID(r), id)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNotOwned):
		respondError(w, http.StatusNotFound, "Server not found")
		return nil, false
	case err != nil:
		slog.Error("Failed to load server setting", "id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load setting")
		return nil, false
	}
	return set, true
}

// refreshManifest relists the server's tools and persists the manifest.
// Stored credentials ride along so protected servers answer; corrupt
// blobs are treated as absent.
func (s *Server) refreshManifest(ctx context.Context, set *store.ServerSetting) ([]mcp.ToolDescriptor, error) {
	creds, err := oauth.ParseCredentials(set.MergedCredentials())
	if err != nil {
		slog.Warn("Ignoring malformed stored credentials", "server", set.ServerName, "error", err)
	}

	connector, err := mcp.NewConnector(mcp.Config{
		ServerURL:   set.ServerURL,
		ServerName:  set.ServerName,
		Credentials: creds,
		SettingID:   set.ID,
		Store:       s.store,
		TLS:         s.cfg.MCP.TLS(),
	})
	if err != nil {
		return nil, err
	}
	defer connector.Close()

	tools, err := connector.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	manifest, err := mcp.EncodeManifest(tools)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateManifest(ctx, set.UserID, set.ID, manifest); err != nil {
		return nil, err
	}
	return tools, nil
}

// syncManifests refreshes the tool manifest of every active server so
// cached listings reflect reality after a restart. Per-server failures
// are logged and skipped; a dead server must not block startup.
func (s *Server) syncManifests(ctx context.Context) {
	settings, err := s.store.ActiveSettings(ctx)
	if err != nil {
		slog.Error("Manifest sync could not list active servers", "error", err)
		return
	}
	if len(settings) == 0 {
		return
	}

	slog.Info("Syncing tool manifests", "server_count", len(settings))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for _, set := range settings {
		g.Go(func() error {
			tools, err := s.refreshManifest(ctx, set)
			if err != nil {
				slog.Warn("Manifest sync failed", "server", set.ServerName, "user_id", set.UserID, "error", err)
				return nil
			}
			slog.Debug("Manifest synced", "server", set.ServerName, "user_id", set.UserID, "tool_count", len(tools))
			return nil
		})
	}
	_ = g.Wait()
}
