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

// Package protocol defines the message vocabulary shared by the agent
// graph, the checkpointer, the session store, and the model adapters.
//
// Messages must round-trip through JSON unchanged: the checkpointer
// serializes the full message log and restores it on resume.
package protocol

import "encoding/json"

// Role identifies the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall is an assistant's request to invoke a tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is one entry in a conversation's ordered message log.
//
// Four shapes occur in practice:
//   - user input:        Role=user, Content set
//   - assistant text:    Role=assistant, Content set, no ToolCalls
//   - assistant calls:   Role=assistant, ToolCalls set (Content optional)
//   - tool result:       Role=tool, ToolCallID + Name + Content set
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewUserMessage creates a user message.
func NewUserMessage(text string) *Message {
	return &Message{Role: RoleUser, Content: text}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(text string) *Message {
	return &Message{Role: RoleSystem, Content: text}
}

// NewAssistantMessage creates an assistant text message.
func NewAssistantMessage(text string) *Message {
	return &Message{Role: RoleAssistant, Content: text}
}

// NewToolCallMessage creates an assistant message carrying tool calls.
func NewToolCallMessage(text string, calls ...ToolCall) *Message {
	return &Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// NewToolResultMessage creates a tool result answering the given call.
func NewToolResultMessage(callID, toolName, content string) *Message {
	return &Message{Role: RoleTool, ToolCallID: callID, Name: toolName, Content: content}
}

// HasToolCalls reports whether this is an assistant message requesting
// tool execution.
func (m *Message) HasToolCalls() bool {
	return m != nil && m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// IsToolResult reports whether this message answers a tool call.
func (m *Message) IsToolResult() bool {
	return m != nil && m.Role == RoleTool && m.ToolCallID != ""
}

// Clone returns a deep copy safe to mutate independently.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.ToolCalls != nil {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			clone.ToolCalls[i] = tc
			if tc.Args != nil {
				args := make(map[string]any, len(tc.Args))
				for k, v := range tc.Args {
					args[k] = v
				}
				clone.ToolCalls[i].Args = args
			}
		}
	}
	if m.Metadata != nil {
		md := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		clone.Metadata = md
	}
	return &clone
}

// LastMessage returns the final message of a log, or nil when empty.
func LastMessage(messages []*Message) *Message {
	if len(messages) == 0 {
		return nil
	}
	return messages[len(messages)-1]
}

// AnsweredCallIDs collects the tool-call ids already satisfied by a tool
// result anywhere in the log. The filtered tool node uses this to avoid
// double execution after a partial denial.
func AnsweredCallIDs(messages []*Message) map[string]bool {
	answered := make(map[string]bool)
	for _, m := range messages {
		if m.IsToolResult() {
			answered[m.ToolCallID] = true
		}
	}
	return answered
}

// MarshalArgs renders tool-call args as compact JSON for display and
// dedup keys. Marshal failures degrade to the empty object.
func MarshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
