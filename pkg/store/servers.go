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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/argus/pkg/tool"
)

// ServerSetting is one MCP server registration. Credentials holds the
// stored OAuth token blob as JSON; the ClientID..TokenURL columns are
// manual overrides merged into the blob's oauth_config when the server
// set is assembled for an agent.
type ServerSetting struct {
	ID               int64
	UserID           string
	ServerName       string
	ServerURL        string
	IsActive         bool
	Description      string
	Credentials      string
	ClientID         string
	ClientSecret     string
	AuthorizationURL string
	TokenURL         string
	ToolsManifest    string
	TokenExpiresAt   int64
	LastSyncedAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ServerUpdate carries a partial settings update. Nil fields are left
// unchanged.
type ServerUpdate struct {
	ServerName  *string
	ServerURL   *string
	Description *string
	IsActive    *bool
	Credentials *string
}

const settingColumns = `id, user_id, server_name, server_url, is_active, description, credentials,
	client_id, client_secret, authorization_url, token_url, tools_manifest,
	token_expires_at, last_synced_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSetting(row rowScanner) (*ServerSetting, error) {
	var (
		set                        ServerSetting
		description, credentials   sql.NullString
		clientID, clientSecret     sql.NullString
		authorizationURL, tokenURL sql.NullString
		toolsManifest              sql.NullString
		tokenExpiresAt             sql.NullInt64
		lastSyncedAt               sql.NullTime
	)
	err := row.Scan(&set.ID, &set.UserID, &set.ServerName, &set.ServerURL, &set.IsActive,
		&description, &credentials, &clientID, &clientSecret, &authorizationURL, &tokenURL,
		&toolsManifest, &tokenExpiresAt, &lastSyncedAt, &set.CreatedAt, &set.UpdatedAt)
	if err != nil {
		return nil, err
	}
	set.Description = description.String
	set.Credentials = credentials.String
	set.ClientID = clientID.String
	set.ClientSecret = clientSecret.String
	set.AuthorizationURL = authorizationURL.String
	set.TokenURL = tokenURL.String
	set.ToolsManifest = toolsManifest.String
	set.TokenExpiresAt = tokenExpiresAt.Int64
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		set.LastSyncedAt = &t
	}
	return &set, nil
}

// CreateServer registers a new MCP server for a user. The generated id
// is written back into set. Registering a second server under the same
// name for one user returns ErrDuplicate.
func (s *Store) CreateServer(ctx context.Context, set *ServerSetting) error {
	if set.UserID == "" || set.ServerName == "" {
		return fmt.Errorf("user id and server name are required")
	}
	now := time.Now().UTC()
	set.CreatedAt = now
	set.UpdatedAt = now

	query := `INSERT INTO mcp_server_settings
		(user_id, server_name, server_url, is_active, description, credentials,
		 client_id, client_secret, authorization_url, token_url, tools_manifest,
		 token_expires_at, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		set.UserID, set.ServerName, set.ServerURL, set.IsActive,
		nullString(set.Description), nullString(set.Credentials),
		nullString(set.ClientID), nullString(set.ClientSecret),
		nullString(set.AuthorizationURL), nullString(set.TokenURL),
		nullString(set.ToolsManifest), nullInt64(set.TokenExpiresAt),
		nullTime(set.LastSyncedAt), set.CreatedAt, set.UpdatedAt,
	}

	var err error
	if s.dialect == dialectPostgres {
		query = convertToPostgresPlaceholders(query) + " RETURNING id"
		err = s.db.QueryRowContext(ctx, query, args...).Scan(&set.ID)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			set.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		// Uniqueness violations surface differently per driver, so the
		// failed insert is classified by looking for the conflicting row.
		if s.serverNameTaken(ctx, set.UserID, set.ServerName) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create server setting: %w", err)
	}
	return nil
}

func (s *Store) serverNameTaken(ctx context.Context, userID, serverName string) bool {
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.bind(`SELECT id FROM mcp_server_settings WHERE user_id = ? AND server_name = ?`),
		userID, serverName).Scan(&id)
	return err == nil
}

// GetServer loads one setting by id. It returns ErrNotFound when no
// such setting exists and ErrNotOwned when it belongs to another user.
func (s *Store) GetServer(ctx context.Context, userID string, id int64) (*ServerSetting, error) {
	row := s.db.QueryRowContext(ctx,
		s.bind(`SELECT `+settingColumns+` FROM mcp_server_settings WHERE id = ?`), id)
	set, err := scanSetting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load server setting: %w", err)
	}
	if set.UserID != userID {
		return nil, ErrNotOwned
	}
	return set, nil
}

// GetServerByName loads one setting by its user-scoped name.
func (s *Store) GetServerByName(ctx context.Context, userID, serverName string) (*ServerSetting, error) {
	row := s.db.QueryRowContext(ctx,
		s.bind(`SELECT `+settingColumns+` FROM mcp_server_settings WHERE user_id = ? AND server_name = ?`),
		userID, serverName)
	set, err := scanSetting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load server setting: %w", err)
	}
	return set, nil
}

// ListServers returns all of a user's settings, active or not.
func (s *Store) ListServers(ctx context.Context, userID string) ([]*ServerSetting, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT `+settingColumns+` FROM mcp_server_settings WHERE user_id = ? ORDER BY id`),
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list server settings: %w", err)
	}
	defer rows.Close()

	var settings []*ServerSetting
	for rows.Next() {
		set, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server setting: %w", err)
		}
		settings = append(settings, set)
	}
	return settings, rows.Err()
}

// ActiveSettings returns every active setting across all users, for
// the startup manifest sweep.
func (s *Store) ActiveSettings(ctx context.Context) ([]*ServerSetting, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT `+settingColumns+` FROM mcp_server_settings WHERE is_active = ? ORDER BY id`),
		true)
	if err != nil {
		return nil, fmt.Errorf("failed to list active settings: %w", err)
	}
	defer rows.Close()

	var settings []*ServerSetting
	for rows.Next() {
		set, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server setting: %w", err)
		}
		settings = append(settings, set)
	}
	return settings, rows.Err()
}

// ActiveServers assembles the user's active servers keyed by name, in
// the shape the tool factory consumes. Stored credentials are returned
// with the manual OAuth override columns merged in.
func (s *Store) ActiveServers(ctx context.Context, userID string) (map[string]tool.ServerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT `+settingColumns+` FROM mcp_server_settings WHERE user_id = ? AND is_active = ?`),
		userID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load active servers: %w", err)
	}
	defer rows.Close()

	servers := make(map[string]tool.ServerEntry)
	for rows.Next() {
		set, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server setting: %w", err)
		}
		servers[set.ServerName] = tool.ServerEntry{
			ID:            set.ID,
			Name:          set.ServerName,
			URL:           set.ServerURL,
			Credentials:   set.MergedCredentials(),
			ToolsManifest: set.ToolsManifest,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slog.Debug("Loaded active MCP servers", "user", userID, "count", len(servers))
	return servers, nil
}

// MergedCredentials returns the stored credentials blob with the
// non-empty override columns folded into its oauth_config object. A
// malformed blob is replaced rather than propagated.
func (set *ServerSetting) MergedCredentials() string {
	blob := map[string]any{}
	if set.Credentials != "" {
		if err := json.Unmarshal([]byte(set.Credentials), &blob); err != nil {
			slog.Warn("Failed to parse stored credentials", "server", set.ServerName, "error", err)
			blob = map[string]any{}
		}
	}
	oauthConfig, _ := blob["oauth_config"].(map[string]any)
	if oauthConfig == nil {
		oauthConfig = map[string]any{}
	}
	if set.ClientID != "" {
		oauthConfig["client_id"] = set.ClientID
	}
	if set.ClientSecret != "" {
		oauthConfig["client_secret"] = set.ClientSecret
	}
	if set.AuthorizationURL != "" {
		oauthConfig["authorization_url"] = set.AuthorizationURL
	}
	if set.TokenURL != "" {
		oauthConfig["token_url"] = set.TokenURL
	}
	if len(oauthConfig) > 0 {
		blob["oauth_config"] = oauthConfig
	}
	if len(blob) == 0 {
		return ""
	}
	out, err := json.Marshal(blob)
	if err != nil {
		return set.Credentials
	}
	return string(out)
}

// UpdateServer applies a partial update to a setting the user owns and
// returns the refreshed record. Renaming onto an existing server name
// returns ErrDuplicate.
func (s *Store) UpdateServer(ctx context.Context, userID string, id int64, upd ServerUpdate) (*ServerSetting, error) {
	set, err := s.GetServer(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if upd.ServerName != nil && *upd.ServerName != set.ServerName {
		if s.serverNameTaken(ctx, userID, *upd.ServerName) {
			return nil, ErrDuplicate
		}
		set.ServerName = *upd.ServerName
	}
	if upd.ServerURL != nil {
		set.ServerURL = *upd.ServerURL
	}
	if upd.Description != nil {
		set.Description = *upd.Description
	}
	if upd.IsActive != nil {
		set.IsActive = *upd.IsActive
	}
	if upd.Credentials != nil {
		set.Credentials = *upd.Credentials
	}
	set.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, s.bind(`UPDATE mcp_server_settings
		SET server_name = ?, server_url = ?, description = ?, is_active = ?, credentials = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`),
		set.ServerName, set.ServerURL, nullString(set.Description), set.IsActive,
		nullString(set.Credentials), set.UpdatedAt, id, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update server setting: %w", err)
	}
	return set, nil
}

// DeleteServer removes a setting the user owns along with its tool
// permission rows. Standing tool approvals are kept; they are keyed by
// tool name and may outlive the server registration.
func (s *Store) DeleteServer(ctx context.Context, userID string, id int64) error {
	if _, err := s.GetServer(ctx, userID, id); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.bind(`DELETE FROM tool_permissions WHERE user_id = ? AND server_setting_id = ?`),
		userID, id); err != nil {
		return fmt.Errorf("failed to delete tool permissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.bind(`DELETE FROM mcp_server_settings WHERE id = ? AND user_id = ?`),
		id, userID); err != nil {
		return fmt.Errorf("failed to delete server setting: %w", err)
	}
	return tx.Commit()
}

// UpdateManifest caches the server's tool manifest after a successful
// listing and stamps the sync time.
func (s *Store) UpdateManifest(ctx context.Context, userID string, id int64, manifest string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE mcp_server_settings
		SET tools_manifest = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`),
		nullString(manifest), now, now, id, userID)
	if err != nil {
		return fmt.Errorf("failed to update tools manifest: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadCredentials returns the stored credentials blob for a setting,
// or "" when the setting is gone or has no credentials.
func (s *Store) LoadCredentials(ctx context.Context, settingID int64) (string, error) {
	var credentials sql.NullString
	err := s.db.QueryRowContext(ctx,
		s.bind(`SELECT credentials FROM mcp_server_settings WHERE id = ?`),
		settingID).Scan(&credentials)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}
	return credentials.String, nil
}

// SaveCredentials persists a refreshed token blob for a setting.
// expiresAt is the unix expiry of the access token, 0 when unknown.
func (s *Store) SaveCredentials(ctx context.Context, settingID int64, credentials string, expiresAt int64) error {
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE mcp_server_settings
		SET credentials = ?, token_expires_at = ?, updated_at = ?
		WHERE id = ?`),
		nullString(credentials), nullInt64(expiresAt), time.Now().UTC(), settingID)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
