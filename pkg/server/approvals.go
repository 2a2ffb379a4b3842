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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/argus/pkg/approval"
	"github.com/kadirpekel/argus/pkg/store"
)

type decideRequest struct {
	ApprovalID   string `json:"approval_id"`
	Approved     bool   `json:"approved"`
	ApprovalType string `json:"approval_type"`
}

// handleDecideApproval records the user's verdict on a pending tool
// call. A stream parked on the approval picks the verdict up on its
// next poll; the client then resumes the run.
func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)

	var req decideRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ApprovalID == "" {
		respondError(w, http.StatusBadRequest, "approval_id is required")
		return
	}

	err := s.controller.Decide(r.Context(), userID, req.ApprovalID, req.Approved, req.ApprovalType)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		respondError(w, http.StatusNotFound, "Approval request not found")
		return
	case errors.Is(err, approval.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, "Not authorized")
		return
	case err != nil:
		slog.Error("Failed to apply approval decision", "approval_id", req.ApprovalID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to process approval")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"message":  "Approval processed",
		"approved": req.Approved,
	})
}

func (s *Server) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "id")

	status, err := s.controller.Status(s.userID(r), approvalID)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		respondError(w, http.StatusNotFound, "Approval request not found")
		return
	case errors.Is(err, approval.ErrNotAuthorized):
		respondError(w, http.StatusForbidden, "Not authorized")
		return
	case err != nil:
		slog.Error("Failed to read approval status", "approval_id", approvalID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read approval status")
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// standingApprovalView is the wire shape of a persisted approval
// preference. Rows are keyed by tool name, so that is the handle
// clients revoke by.
type standingApprovalView struct {
	ToolName     string     `json:"tool_name"`
	ServerName   string     `json:"server_name"`
	ApprovalType string     `json:"approval_type"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleListStandingApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.store.ListApprovals(r.Context(), s.userID(r))
	if err != nil {
		slog.Error("Failed to list standing approvals", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}

	out := make([]standingApprovalView, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, standingApprovalView{
			ToolName:     a.ToolName,
			ServerName:   a.ServerName,
			ApprovalType: a.ApprovalType,
			CreatedAt:    a.CreatedAt,
			ExpiresAt:    a.ExpiresAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteStandingApproval(w http.ResponseWriter, r *http.Request) {
	toolName := chi.URLParam(r, "toolName")

	err := s.store.DeleteApproval(r.Context(), s.userID(r), toolName)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "Approval not found")
		return
	case err != nil:
		slog.Error("Failed to delete standing approval", "tool", toolName, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete approval")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Approval for %s removed", toolName),
	})
}
