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

package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/argus/pkg/approval"
)

// Blocking approval gate polling parameters.
const (
	approvalPollInterval = time.Second
	approvalPollAttempts = 60
)

// Runner executes a named tool against a remote server. The result is
// always a string; server-side failures come back as error text rather
// than Go errors so the model can read them.
type Runner interface {
	RunTool(ctx context.Context, name string, args map[string]any) string
}

// mcpTool exposes one remote tool under its namespaced name. The raw
// name is what the server knows; the exposed name is what the model
// sees, and the dedup pass may still rewrite it.
type mcpTool struct {
	name        string
	rawName     string
	description string
	parameters  map[string]any
	runner      Runner
	gate        *approvalGate
}

var _ Tool = (*mcpTool)(nil)

func (t *mcpTool) Name() string        { return t.name }
func (t *mcpTool) Description() string { return t.description }

func (t *mcpTool) Definition() Definition {
	return Definition{Name: t.name, Description: t.description, Parameters: t.parameters}
}

func (t *mcpTool) Call(ctx context.Context, args map[string]any) (string, error) {
	if t.gate != nil {
		if err := t.gate.wait(ctx, t.rawName, t.name, args); err != nil {
			return "", err
		}
	}
	return t.runner.RunTool(ctx, t.rawName, args), nil
}

// approvalGate blocks a tool call until the user decides, for runs that
// gate inside the tool wrapper instead of pausing the graph.
type approvalGate struct {
	perms     PermissionSource
	approvals *approval.Registry
	userID    string
	interval  time.Duration
	attempts  int
}

func newApprovalGate(perms PermissionSource, approvals *approval.Registry, userID string) *approvalGate {
	return &approvalGate{
		perms:     perms,
		approvals: approvals,
		userID:    userID,
		interval:  approvalPollInterval,
		attempts:  approvalPollAttempts,
	}
}

// wait checks standing approvals by raw name, and when a decision is
// required registers a pending request under the exposed name and polls
// until the user acts or the window closes. The pending record is
// removed on every path.
func (g *approvalGate) wait(ctx context.Context, rawName, exposedName string, args map[string]any) error {
	needsApproval, approvalType, err := g.perms.CheckToolApproval(ctx, g.userID, rawName)
	if err != nil {
		return err
	}
	if !needsApproval || approvalType == approval.TypeAlways {
		return nil
	}

	id := g.approvals.Create(g.userID, exposedName, "unknown", args)
	defer g.approvals.Remove(id)

	slog.Info("Blocking tool for approval", "tool", exposedName, "raw", rawName, "approval_id", id)

	approved := false
	for i := 0; i < g.attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.interval):
		}
		if pending, ok := g.approvals.Get(id); ok && pending.Approved != nil {
			approved = *pending.Approved
			break
		}
	}
	if !approved {
		return fmt.Errorf("Tool execution denied for %s", rawName)
	}
	return nil
}
