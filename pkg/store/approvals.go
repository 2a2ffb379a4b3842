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
	"strings"
	"time"

	"github.com/kadirpekel/argus/pkg/approval"
)

// StandingApproval is a persisted per-user approval preference for one
// tool. "once" grants carry an expiry; "always" and "never" do not.
type StandingApproval struct {
	UserID       string
	ToolName     string
	ServerName   string
	ApprovalType string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
}

// Expired reports whether the grant has lapsed.
func (a *StandingApproval) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}

// CheckToolApproval reports whether running toolName needs a fresh user
// decision, together with the standing approval type when one applies.
// Internal tools (leading underscore) never need approval. Expired
// grants are deleted on sight and treated as absent.
func (s *Store) CheckToolApproval(ctx context.Context, userID, toolName string) (bool, string, error) {
	if strings.HasPrefix(toolName, "_") {
		return false, approval.TypeAlways, nil
	}

	var approvalType string
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		s.bind(`SELECT approval_type, expires_at FROM tool_approvals WHERE user_id = ? AND tool_name = ?`),
		userID, toolName).Scan(&approvalType, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return true, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to check tool approval: %w", err)
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now().UTC()) {
		if _, err := s.db.ExecContext(ctx,
			s.bind(`DELETE FROM tool_approvals WHERE user_id = ? AND tool_name = ?`),
			userID, toolName); err != nil {
			return false, "", fmt.Errorf("failed to expire tool approval: %w", err)
		}
		return true, "", nil
	}

	switch approvalType {
	case approval.TypeAlways:
		return false, approval.TypeAlways, nil
	case approval.TypeNever:
		return true, approval.TypeNever, nil
	default:
		return true, "", nil
	}
}

// SaveToolApproval records the user's standing decision for a tool,
// replacing any previous one. "once" grants expire an hour after they
// are saved.
func (s *Store) SaveToolApproval(ctx context.Context, userID, toolName, approvalType, serverName string) error {
	switch approvalType {
	case approval.TypeOnce, approval.TypeAlways, approval.TypeNever:
	default:
		return fmt.Errorf("invalid approval type: %s", approvalType)
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if approvalType == approval.TypeOnce {
		e := now.Add(time.Hour)
		expiresAt = &e
	}

	res, err := s.db.ExecContext(ctx,
		s.bind(`UPDATE tool_approvals SET approval_type = ?, server_name = ?, expires_at = ?, created_at = ?
			WHERE user_id = ? AND tool_name = ?`),
		approvalType, nullString(serverName), nullTime(expiresAt), now, userID, toolName)
	if err != nil {
		return fmt.Errorf("failed to update tool approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		s.bind(`INSERT INTO tool_approvals (user_id, tool_name, server_name, approval_type, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
		userID, toolName, nullString(serverName), approvalType, now, nullTime(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to create tool approval: %w", err)
	}
	return nil
}

// ApprovalsByName loads the standing approvals for a batch of tool
// names in one query, keyed by tool name. Expiry is left to the caller;
// rows are returned as stored.
func (s *Store) ApprovalsByName(ctx context.Context, userID string, toolNames []string) (map[string]*StandingApproval, error) {
	approvals := make(map[string]*StandingApproval)
	if len(toolNames) == 0 {
		return approvals, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(toolNames)), ", ")
	query := fmt.Sprintf(`SELECT user_id, tool_name, server_name, approval_type, created_at, expires_at
		FROM tool_approvals WHERE user_id = ? AND tool_name IN (%s)`, placeholders)
	args := make([]any, 0, len(toolNames)+1)
	args = append(args, userID)
	for _, name := range toolNames {
		args = append(args, name)
	}

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool approvals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool approval: %w", err)
		}
		approvals[a.ToolName] = a
	}
	return approvals, rows.Err()
}

// ListApprovals returns all of a user's standing approvals, newest
// first.
func (s *Store) ListApprovals(ctx context.Context, userID string) ([]*StandingApproval, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT user_id, tool_name, server_name, approval_type, created_at, expires_at
			FROM tool_approvals WHERE user_id = ? ORDER BY created_at DESC`),
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*StandingApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// DeleteApproval removes a standing approval by tool name.
func (s *Store) DeleteApproval(ctx context.Context, userID, toolName string) error {
	res, err := s.db.ExecContext(ctx,
		s.bind(`DELETE FROM tool_approvals WHERE user_id = ? AND tool_name = ?`),
		userID, toolName)
	if err != nil {
		return fmt.Errorf("failed to delete tool approval: %w", err)
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

func scanApproval(row rowScanner) (*StandingApproval, error) {
	var a StandingApproval
	var serverName sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(&a.UserID, &a.ToolName, &serverName, &a.ApprovalType, &a.CreatedAt, &expiresAt); err != nil {
		return nil, err
	}
	a.ServerName = serverName.String
	if expiresAt.Valid {
		t := expiresAt.Time
		a.ExpiresAt = &t
	}
	return &a, nil
}
