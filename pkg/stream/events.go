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

package stream

// Client event types. The set is closed; clients switch on Type and
// decode Payload accordingly.
const (
	// TypeScratchpad traces agent activity between answers.
	TypeScratchpad = "scratchpad"

	// TypeToken carries an incremental piece of assistant text.
	TypeToken = "llm_token"

	// TypeAnswer carries the final assistant message of a run.
	TypeAnswer = "plain_text_answer"

	// TypeApprovalRequired announces a tool invocation waiting on the
	// user's decision.
	TypeApprovalRequired = "tool_approval_required"

	// TypeError reports a classified failure. The payload message is
	// safe to show to the user.
	TypeError = "server_error"

	// TypeEnd is always the last event of a stream.
	TypeEnd = "stream_end"
)

// Scratchpad payload kinds.
const (
	KindToolStart   = "tool_start"
	KindToolEnd     = "tool_end"
	KindAgentStatus = "agent_status"
)

// Event is one client-facing stream event: a type tag from the closed
// set above plus a JSON-marshalable payload.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ToolStartPayload traces the start of a tool execution.
type ToolStartPayload struct {
	Kind      string         `json:"type"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

// ToolEndPayload traces a tool execution's observation.
type ToolEndPayload struct {
	Kind        string `json:"type"`
	ToolName    string `json:"tool_name"`
	Observation string `json:"observation"`
}

// StatusPayload traces a change of agent state outside tool execution.
type StatusPayload struct {
	Kind   string `json:"type"`
	Status string `json:"status"`
}

// TokenPayload is an assistant text delta.
type TokenPayload struct {
	Content string `json:"content"`
}

// AnswerPayload is the final assistant message content.
type AnswerPayload struct {
	Content string `json:"content"`
}

// ApprovalPayload identifies a pending approval and the tool call it
// blocks.
type ApprovalPayload struct {
	ApprovalID string         `json:"approval_id"`
	ToolName   string         `json:"tool_name"`
	ServerName string         `json:"server_name"`
	Payload    map[string]any `json:"payload"`
}

// ErrorPayload carries a user-visible failure message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// EndPayload closes a stream.
type EndPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}
