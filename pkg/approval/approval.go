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

// Package approval tracks in-flight tool execution approvals.
//
// When a tool call needs a human decision, the run pauses and a Pending
// record is registered here. The UI polls or streams the request, the
// user decides through the Controller, and the blocked run observes the
// decision. Records live in process memory only; standing "always"
// grants are persisted separately through a PermanentStore.
package approval

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an approval id has no record.
	ErrNotFound = errors.New("approval request not found")

	// ErrNotAuthorized is returned when a user acts on another user's
	// approval request.
	ErrNotAuthorized = errors.New("not authorized")
)

// Approval types a user can grant.
const (
	TypeOnce   = "once"
	TypeAlways = "always"
	TypeNever  = "never"
)

// Pending is a single approval request awaiting (or holding) a decision.
// Approved is nil while undecided; ApprovalType is set when approved.
type Pending struct {
	ID           string
	UserID       string
	ToolName     string
	ServerName   string
	Input        map[string]any
	Approved     *bool
	ApprovalType string
	CreatedAt    time.Time
}

// Decided reports whether the user has acted on the request.
func (p *Pending) Decided() bool { return p.Approved != nil }

func (p *Pending) clone() *Pending {
	cp := *p
	if p.Approved != nil {
		v := *p.Approved
		cp.Approved = &v
	}
	return &cp
}
