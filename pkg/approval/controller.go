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

package approval

import (
	"context"
	"log/slog"
)

// PermanentStore persists standing approvals so an "always" grant
// survives restarts.
type PermanentStore interface {
	SaveToolApproval(ctx context.Context, userID, toolName, approvalType, serverName string) error
}

// Status is the poll response for an approval request.
type Status struct {
	ApprovalID   string `json:"approval_id"`
	Status       string `json:"status"`
	ApprovalType string `json:"approval_type,omitempty"`
}

// Status values.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// Controller applies user decisions to pending approvals and persists
// standing grants.
type Controller struct {
	registry *Registry
	store    PermanentStore
}

// NewController wires the registry with an optional permanent store.
func NewController(registry *Registry, store PermanentStore) *Controller {
	return &Controller{registry: registry, store: store}
}

// Decide approves or denies the pending request on behalf of userID.
//
// Only the owning user may decide. Approving with TypeAlways also
// writes a standing grant through the permanent store so future calls
// skip review entirely.
func (c *Controller) Decide(ctx context.Context, userID, approvalID string, approved bool, approvalType string) error {
	pending, ok := c.registry.Get(approvalID)
	if !ok {
		return ErrNotFound
	}
	if pending.UserID != userID {
		return ErrNotAuthorized
	}

	if !approved {
		c.registry.Deny(approvalID)
		slog.Info("Tool execution denied by user", "approval_id", approvalID, "tool", pending.ToolName)
		return nil
	}

	if approvalType == "" {
		approvalType = TypeOnce
	}
	c.registry.Approve(approvalID, approvalType)
	slog.Info("Tool execution approved", "approval_id", approvalID, "tool", pending.ToolName, "type", approvalType)

	if approvalType == TypeAlways && c.store != nil {
		if err := c.store.SaveToolApproval(ctx, userID, pending.ToolName, TypeAlways, pending.ServerName); err != nil {
			return err
		}
	}
	return nil
}

// Status reports the current decision state of an approval request.
func (c *Controller) Status(userID, approvalID string) (*Status, error) {
	pending, ok := c.registry.Get(approvalID)
	if !ok {
		return nil, ErrNotFound
	}
	if pending.UserID != userID {
		return nil, ErrNotAuthorized
	}

	status := StatusPending
	if pending.Approved != nil {
		if *pending.Approved {
			status = StatusApproved
		} else {
			status = StatusDenied
		}
	}
	return &Status{
		ApprovalID:   approvalID,
		Status:       status,
		ApprovalType: pending.ApprovalType,
	}, nil
}
