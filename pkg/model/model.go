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

// Package model defines the LLM adapter contract.
//
// Adapters expose a single GenerateContent method handling streaming and
// non-streaming calls:
//   - stream=false yields exactly one Response with complete content
//   - stream=true yields partial Responses (Partial=true), then a final
//     aggregated Response (Partial=false) for persistence
//
// Provider-native finish reasons (string or numeric enums) are normalized
// to the FinishReason string type before leaving the adapter.
package model

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/kadirpekel/argus/pkg/protocol"
	"github.com/kadirpekel/argus/pkg/tool"
)

// LLM is the interface implemented by provider adapters.
type LLM interface {
	// Name returns the model identifier.
	Name() string

	// Provider returns the provider type (e.g. "gemini", "anthropic").
	Provider() Provider

	// GenerateContent produces responses for the given request.
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases any resources held by the adapter.
	Close() error
}

// Provider identifies the LLM provider.
type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderAnthropic Provider = "anthropic"
	ProviderUnknown   Provider = "unknown"
)

// Request contains the input for an LLM call.
type Request struct {
	// Messages is the conversation history, oldest first.
	Messages []*protocol.Message

	// Tools available for the model to call this step.
	Tools []tool.Definition

	// Config contains generation configuration.
	Config *GenerateConfig

	// SystemInstruction is prepended to the conversation.
	SystemInstruction string
}

// GenerateConfig contains configuration for generation.
type GenerateConfig struct {
	// Temperature controls randomness (0-2).
	Temperature *float64

	// MaxTokens limits the response length.
	MaxTokens *int

	// TopP controls nucleus sampling.
	TopP *float64

	// StopSequences terminates generation.
	StopSequences []string

	// EnableThinking enables extended thinking (model-specific).
	EnableThinking bool

	// ThinkingBudget limits thinking tokens (model-specific).
	ThinkingBudget int

	// Metadata contains additional provider-specific key-value pairs.
	Metadata map[string]string
}

// Clone creates a deep copy so per-step mutation never leaks between
// requests.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}

	clone := *c

	if c.Temperature != nil {
		temp := *c.Temperature
		clone.Temperature = &temp
	}
	if c.MaxTokens != nil {
		maxTok := *c.MaxTokens
		clone.MaxTokens = &maxTok
	}
	if c.TopP != nil {
		topP := *c.TopP
		clone.TopP = &topP
	}
	if c.StopSequences != nil {
		clone.StopSequences = make([]string, len(c.StopSequences))
		copy(clone.StopSequences, c.StopSequences)
	}
	if c.Metadata != nil {
		clone.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

// Response contains the result of an LLM call.
type Response struct {
	// Text is the generated text content. For partial responses this is
	// the delta, for the final response the full accumulated text.
	Text string

	// Partial marks a streaming chunk; the final aggregated response has
	// Partial=false and carries the full content.
	Partial bool

	// TurnComplete indicates the model has finished its turn.
	TurnComplete bool

	// ToolCalls requested by the model.
	ToolCalls []protocol.ToolCall

	// Usage statistics, set on the final response when available.
	Usage *Usage

	// Thinking contains the model's reasoning (if enabled).
	Thinking *ThinkingBlock

	// FinishReason indicates why generation stopped.
	FinishReason FinishReason

	// ErrorCode for provider-specific errors.
	ErrorCode string

	// ErrorMessage for provider-specific error messages.
	ErrorMessage string
}

// HasToolCalls returns whether the response contains tool calls.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// ToMessage converts a final Response into an assistant message.
func (r *Response) ToMessage() *protocol.Message {
	if r == nil {
		return nil
	}
	return &protocol.Message{
		Role:      protocol.RoleAssistant,
		Content:   r.Text,
		ToolCalls: r.ToolCalls,
	}
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ThinkingTokens   int
}

// ThinkingBlock contains the model's reasoning.
type ThinkingBlock struct {
	ID        string
	Content   string
	Signature string
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonContent   FinishReason = "content_filter"
	FinishReasonError     FinishReason = "error"
)

// NormalizeFinishReason maps provider-native finish reasons to the
// canonical set. Providers report these inconsistently: some send enum
// names, some send integers.
func NormalizeFinishReason(v any) FinishReason {
	switch reason := v.(type) {
	case nil:
		return FinishReasonStop
	case FinishReason:
		return reason
	case int:
		return finishReasonFromOrdinal(reason)
	case int32:
		return finishReasonFromOrdinal(int(reason))
	case int64:
		return finishReasonFromOrdinal(int(reason))
	case float64:
		return finishReasonFromOrdinal(int(reason))
	case string:
		return finishReasonFromName(reason)
	default:
		return finishReasonFromName(fmt.Sprintf("%v", v))
	}
}

func finishReasonFromOrdinal(n int) FinishReason {
	// Gemini's FinishReason enum: 1=STOP, 2=MAX_TOKENS, 3=SAFETY.
	switch n {
	case 1:
		return FinishReasonStop
	case 2:
		return FinishReasonLength
	case 3:
		return FinishReasonContent
	default:
		return FinishReasonStop
	}
}

func finishReasonFromName(name string) FinishReason {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stop", "end_turn", "finish_reason_stop":
		return FinishReasonStop
	case "length", "max_tokens", "finish_reason_max_tokens":
		return FinishReasonLength
	case "tool_calls", "tool_use", "function_call":
		return FinishReasonToolCalls
	case "content_filter", "safety", "finish_reason_safety":
		return FinishReasonContent
	case "error":
		return FinishReasonError
	default:
		return FinishReasonStop
	}
}
