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
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/argus/pkg/observability"
)

// Registry is the process-wide table of pending approvals.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*Pending)}
}

// Create registers a new pending approval and returns its id.
//
// An undecided request by the same user for the same tool with equal
// input is reused instead of duplicated; its timestamp is refreshed so
// stale-request sweeps keep it alive.
func (r *Registry) Create(userID, toolName, serverName string, input map[string]any) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.pending {
		if p.UserID == userID && p.ToolName == toolName && p.Approved == nil &&
			reflect.DeepEqual(p.Input, input) {
			p.CreatedAt = time.Now().UTC()
			slog.Debug("Pending approval deduplicated", "approval_id", id, "tool", toolName)
			return id
		}
	}

	id := uuid.NewString()
	r.pending[id] = &Pending{
		ID:         id,
		UserID:     userID,
		ToolName:   toolName,
		ServerName: serverName,
		Input:      input,
		CreatedAt:  time.Now().UTC(),
	}
	slog.Debug("Pending approval created", "approval_id", id, "tool", toolName, "user", userID)
	return id
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// Approve marks the request approved with the given type (TypeOnce when
// empty). Unknown ids are ignored.
func (r *Registry) Approve(id, approvalType string) {
	if approvalType == "" {
		approvalType = TypeOnce
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		slog.Debug("Approve on unknown approval id", "approval_id", id)
		return
	}
	v := true
	p.Approved = &v
	p.ApprovalType = approvalType
	observability.GetGlobalMetrics().RecordApproval(approvalType)
}

// Deny marks the request denied. Unknown ids are ignored.
func (r *Registry) Deny(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		slog.Debug("Deny on unknown approval id", "approval_id", id)
		return
	}
	v := false
	p.Approved = &v
	observability.GetGlobalMetrics().RecordApproval(TypeNever)
}

// Remove drops the record for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// FindForTool returns the user's oldest approval record for the tool,
// decided or not.
func (r *Registry) FindForTool(userID, toolName string) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *Pending
	for _, p := range r.pending {
		if p.UserID != userID || p.ToolName != toolName {
			continue
		}
		if oldest == nil || p.CreatedAt.Before(oldest.CreatedAt) {
			oldest = p
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest.clone(), true
}

// PendingForUser returns copies of the user's undecided requests,
// oldest first.
func (r *Registry) PendingForUser(userID string) []*Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Pending
	for _, p := range r.pending {
		if p.UserID == userID && p.Approved == nil {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
