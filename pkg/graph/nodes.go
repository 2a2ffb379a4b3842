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

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/kadirpekel/argus/pkg/approval"
	"github.com/kadirpekel/argus/pkg/model"
	"github.com/kadirpekel/argus/pkg/protocol"
	"github.com/kadirpekel/argus/pkg/tool"
)

// agentNode calls the model with the step's tool bindings, forwarding
// partial output as token events. It returns the final assistant
// message, or ok=false when the consumer stopped the run.
func (g *Graph) agentNode(ctx context.Context, msgs []*protocol.Message, emit func(*Event) bool) (*protocol.Message, bool, error) {
	bound := g.bindStepTools(msgs)
	slog.Debug("Agent step", "messages", len(msgs), "tools", len(bound))

	req := &model.Request{
		Messages:          msgs,
		Tools:             tool.Definitions(bound),
		Config:            g.generate,
		SystemInstruction: g.system,
	}

	var final *model.Response
	for resp, err := range g.llm.GenerateContent(ctx, req, true) {
		if err != nil {
			return nil, false, err
		}
		if resp.Partial {
			if resp.Text != "" {
				if !emit(&Event{Type: EventToken, Node: nodeAgent, Text: resp.Text}) {
					return nil, false, nil
				}
			}
			continue
		}
		final = resp
	}
	if final == nil {
		return nil, false, fmt.Errorf("model produced no response")
	}
	return final.ToMessage(), true, nil
}

// bindStepTools returns the tool set bound for this step: the configured
// tools, plus any tools a directly preceding search_tools result named.
// Discovered bindings last a single step; the model must call the tool
// while it is bound or search again.
func (g *Graph) bindStepTools(msgs []*protocol.Message) []tool.Tool {
	bound := slices.Clone(g.tools)
	if g.registry == nil {
		return bound
	}
	last := protocol.LastMessage(msgs)
	if !last.IsToolResult() || last.Name != tool.SearchToolName {
		return bound
	}

	var hits []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(last.Content), &hits); err != nil {
		slog.Error("Failed to parse search_tools output", "error", err)
		return bound
	}

	names := make(map[string]bool, len(bound))
	for _, t := range bound {
		names[t.Name()] = true
	}
	added := 0
	for _, h := range hits {
		if names[h.Name] {
			continue
		}
		if t, ok := g.registry.Get(h.Name); ok {
			bound = append(bound, t)
			names[h.Name] = true
			added++
		}
	}
	if added > 0 {
		slog.Info("Dynamically bound discovered tools", "count", added)
	}
	return bound
}

// routeTools decides where the run goes after an agent step: end when
// the response has no tool calls, review when any call lacks a valid
// standing approval, tool execution otherwise.
//
// search_tools and underscore-prefixed internal tools are never gated.
// Standing approvals are matched by the exact name the model used, then
// by the raw name behind the server prefix; only an unexpired "always"
// grant admits a call. Each gated call registers a pending approval
// under the exact call name, and the returned ids identify them.
func (g *Graph) routeTools(ctx context.Context, userID string, response *protocol.Message) (string, []string) {
	if !response.HasToolCalls() {
		return nodeEnd, nil
	}
	if userID == "" {
		return nodeTools, nil
	}

	actual := make([]protocol.ToolCall, 0, len(response.ToolCalls))
	for _, tc := range response.ToolCalls {
		if tc.Name != tool.SearchToolName {
			actual = append(actual, tc)
		}
	}
	if len(actual) == 0 {
		return nodeTools, nil
	}

	names := make([]string, 0, len(actual)*2)
	for _, tc := range actual {
		names = append(names, tc.Name)
		if i := strings.Index(tc.Name, "_"); i >= 0 {
			names = append(names, tc.Name[i+1:])
		}
	}

	grants, err := g.source.ApprovalsByName(ctx, userID, names)
	if err != nil {
		// A failed lookup gates every call.
		slog.Error("Error checking tool approvals", "error", err)
		grants = nil
	}

	now := time.Now().UTC()
	var gated []string
	for _, tc := range actual {
		if strings.HasPrefix(tc.Name, "_") {
			continue
		}

		grant, ok := grants[tc.Name]
		if !ok {
			if i := strings.Index(tc.Name, "_"); i >= 0 {
				grant, ok = grants[tc.Name[i+1:]]
			}
		}
		if ok && grant.ApprovalType == approval.TypeAlways && !grant.Expired(now) {
			continue
		}

		id := g.approvals.Create(userID, tc.Name, "unknown", tc.Args)
		slog.Info("Blocking tool for approval", "tool", tc.Name, "approval_id", id)
		gated = append(gated, id)
	}

	if len(gated) > 0 {
		return nodeHumanReview, gated
	}
	return nodeTools, nil
}

// humanReviewNode converts user decisions into synthetic tool results.
// Approved calls pass through untouched for the tool node. Denied and
// still-undecided calls are answered in place so execution skips them;
// a call with no approval record at all is blocked the same way.
func (g *Graph) humanReviewNode(userID string, msgs []*protocol.Message) []*protocol.Message {
	if userID == "" {
		return nil
	}
	last := protocol.LastMessage(msgs)
	if !last.HasToolCalls() {
		return nil
	}

	var delta []*protocol.Message
	for _, tc := range last.ToolCalls {
		rec, found := g.approvals.FindForTool(userID, tc.Name)
		switch {
		case !found:
			slog.Warn("No approval record for tool, blocking by default", "tool", tc.Name)
			delta = append(delta, protocol.NewToolResultMessage(tc.ID, tc.Name,
				fmt.Sprintf("Error: Tool '%s' requires user approval but no approval record was found.", tc.Name)))
		case rec.Approved == nil:
			slog.Warn("Tool still awaiting approval, blocking execution", "tool", tc.Name)
			delta = append(delta, protocol.NewToolResultMessage(tc.ID, tc.Name,
				fmt.Sprintf("Error: Tool '%s' is awaiting user approval.", tc.Name)))
		case !*rec.Approved:
			slog.Info("Tool denied by user", "tool", tc.Name, "approval_id", rec.ID)
			delta = append(delta, protocol.NewToolResultMessage(tc.ID, tc.Name,
				fmt.Sprintf("Error: User explicitly denied execution of tool '%s'.", tc.Name)))
			g.approvals.Remove(rec.ID)
		default:
			slog.Info("Tool approved by user", "tool", tc.Name, "approval_id", rec.ID)
		}
	}
	return delta
}

// toolsNode executes the unanswered tool calls of the most recent
// tool-calling assistant message, in declaration order. Calls already
// answered upstream (denials, earlier partial runs) are skipped.
// Execution errors become tool results rather than failing the run, and
// a successful execution consumes the approval that admitted it.
func (g *Graph) toolsNode(ctx context.Context, userID string, msgs []*protocol.Message, emit func(*Event) bool) ([]*protocol.Message, bool) {
	var caller *protocol.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].HasToolCalls() {
			caller = msgs[i]
			break
		}
	}
	if caller == nil {
		return nil, true
	}

	byName := make(map[string]tool.Tool, len(g.tools))
	for _, t := range g.tools {
		byName[t.Name()] = t
	}

	answered := protocol.AnsweredCallIDs(msgs)
	var delta []*protocol.Message
	for _, tc := range caller.ToolCalls {
		if answered[tc.ID] {
			slog.Debug("Skipping answered tool call", "tool", tc.Name, "call_id", tc.ID)
			continue
		}

		t, ok := byName[tc.Name]
		if !ok {
			slog.Warn("Tool not found", "tool", tc.Name)
			delta = append(delta, protocol.NewToolResultMessage(tc.ID, tc.Name,
				fmt.Sprintf("Error: Tool '%s' not found", tc.Name)))
			continue
		}

		if !emit(&Event{Type: EventToolStart, Node: nodeTools, ToolCall: &tc}) {
			return nil, false
		}

		tctx, span := startToolSpan(ctx, tc.Name)
		observation, err := t.Call(tctx, tc.Args)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		recordToolMetrics(tc.Name, err)

		if err != nil {
			slog.Error("Tool execution failed", "tool", tc.Name, "error", err)
			observation = fmt.Sprintf("Error executing tool: %s", err)
		} else {
			g.consumeApproval(userID, tc.Name)
		}

		if !emit(&Event{Type: EventToolEnd, Node: nodeTools, ToolCall: &tc, Text: observation}) {
			return nil, false
		}
		delta = append(delta, protocol.NewToolResultMessage(tc.ID, tc.Name, observation))
	}
	return delta, true
}

// consumeApproval removes the approved pending record that admitted a
// call, so the next invocation is gated afresh.
func (g *Graph) consumeApproval(userID, toolName string) {
	if userID == "" {
		return
	}
	rec, ok := g.approvals.FindForTool(userID, toolName)
	if !ok || rec.Approved == nil || !*rec.Approved {
		return
	}
	g.approvals.Remove(rec.ID)
	slog.Debug("Consumed tool approval", "tool", toolName, "approval_id", rec.ID)
}
