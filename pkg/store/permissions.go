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
	"errors"
	"fmt"
	"time"
)

// ToolPermissions returns the explicit per-tool switches recorded for a
// server, keyed by tool name. Tools without a row are enabled by
// default and do not appear in the map.
func (s *Store) ToolPermissions(ctx context.Context, userID string, settingID int64) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT tool_name, is_enabled FROM tool_permissions WHERE user_id = ? AND server_setting_id = ?`),
		userID, settingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool permissions: %w", err)
	}
	defer rows.Close()

	permissions := make(map[string]bool)
	for rows.Next() {
		var name string
		var enabled bool
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan tool permission: %w", err)
		}
		permissions[name] = enabled
	}
	return permissions, rows.Err()
}

// DisabledTools returns the set of tool names the user switched off for
// a server.
func (s *Store) DisabledTools(ctx context.Context, userID string, settingID int64) (map[string]bool, error) {
	permissions, err := s.ToolPermissions(ctx, userID, settingID)
	if err != nil {
		return nil, err
	}
	disabled := make(map[string]bool)
	for name, enabled := range permissions {
		if !enabled {
			disabled[name] = true
		}
	}
	return disabled, nil
}

// IsToolEnabled reports whether a tool is enabled for the user on the
// given server. Tools with no recorded switch default to enabled.
func (s *Store) IsToolEnabled(ctx context.Context, userID string, settingID int64, toolName string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		s.bind(`SELECT is_enabled FROM tool_permissions WHERE user_id = ? AND server_setting_id = ? AND tool_name = ?`),
		userID, settingID, toolName).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check tool permission: %w", err)
	}
	return enabled, nil
}

// SetToolEnabled records a tool switch, creating the row on first use.
func (s *Store) SetToolEnabled(ctx context.Context, userID string, settingID int64, toolName string, enabled bool) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.bind(`UPDATE tool_permissions SET is_enabled = ?, updated_at = ?
			WHERE user_id = ? AND server_setting_id = ? AND tool_name = ?`),
		enabled, now, userID, settingID, toolName)
	if err != nil {
		return fmt.Errorf("failed to update tool permission: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		s.bind(`INSERT INTO tool_permissions (user_id, server_setting_id, tool_name, is_enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
		userID, settingID, toolName, enabled, now, now)
	if err != nil {
		return fmt.Errorf("failed to create tool permission: %w", err)
	}
	return nil
}
