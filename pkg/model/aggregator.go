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

package model

import (
	"iter"

	"github.com/google/uuid"

	"github.com/kadirpekel/argus/pkg/protocol"
)

// StreamingAggregator accumulates partial streaming responses.
//
// Providers feed it deltas as they arrive; it yields partial Responses
// for real-time consumers and produces one final aggregated Response
// (Partial=false) on Close for persistence.
//
// Usage:
//
//	agg := NewStreamingAggregator()
//	for chunk := range providerStream {
//	    for resp, err := range agg.ProcessTextDelta(chunk.Text) {
//	        yield(resp, err)
//	    }
//	}
//	if final := agg.Close(); final != nil {
//	    yield(final, nil)
//	}
type StreamingAggregator struct {
	text         string
	thinkingText string
	toolCalls    []protocol.ToolCall
	usage        *Usage
	finishReason FinishReason

	thinkingID        string
	thinkingSignature string
}

// NewStreamingAggregator creates an empty aggregator.
func NewStreamingAggregator() *StreamingAggregator {
	return &StreamingAggregator{}
}

// ProcessTextDelta accumulates a text delta and yields it as a partial
// response. Empty deltas yield nothing.
func (s *StreamingAggregator) ProcessTextDelta(text string) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		if text == "" {
			return
		}
		s.text += text
		yield(&Response{Text: text, Partial: true}, nil)
	}
}

// ProcessThinkingDelta accumulates a thinking delta and yields it as a
// partial response carrying only the delta.
func (s *StreamingAggregator) ProcessThinkingDelta(thinking string) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		if thinking == "" {
			return
		}
		if s.thinkingID == "" {
			s.thinkingID = "thinking_" + uuid.NewString()[:8]
		}
		s.thinkingText += thinking

		yield(&Response{
			Partial:  true,
			Thinking: &ThinkingBlock{ID: s.thinkingID, Content: thinking},
		}, nil)
	}
}

// ProcessThinkingComplete records the full thinking content and its
// signature once the provider closes the block.
func (s *StreamingAggregator) ProcessThinkingComplete(content, signature string) {
	if s.thinkingID == "" {
		s.thinkingID = "thinking_" + uuid.NewString()[:8]
	}
	s.thinkingText = content
	s.thinkingSignature = signature
}

// ThinkingText returns the thinking content accumulated so far.
func (s *StreamingAggregator) ThinkingText() string {
	return s.thinkingText
}

// ProcessToolCall records a complete tool call and yields it as a
// partial response.
func (s *StreamingAggregator) ProcessToolCall(tc protocol.ToolCall) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		s.toolCalls = append(s.toolCalls, tc)
		yield(&Response{Partial: true, ToolCalls: []protocol.ToolCall{tc}}, nil)
	}
}

// SetUsage records usage statistics for the final response.
func (s *StreamingAggregator) SetUsage(usage *Usage) {
	s.usage = usage
}

// SetFinishReason records why generation stopped.
func (s *StreamingAggregator) SetFinishReason(reason FinishReason) {
	s.finishReason = reason
}

// Close builds the final aggregated response and resets the aggregator.
// It returns nil when nothing was accumulated.
func (s *StreamingAggregator) Close() *Response {
	if s.text == "" && s.thinkingText == "" && len(s.toolCalls) == 0 {
		return nil
	}

	resp := &Response{
		Text:         s.text,
		Partial:      false,
		TurnComplete: true,
		ToolCalls:    s.toolCalls,
		Usage:        s.usage,
		FinishReason: s.finishReason,
	}
	if s.thinkingText != "" {
		resp.Thinking = &ThinkingBlock{
			ID:        s.thinkingID,
			Content:   s.thinkingText,
			Signature: s.thinkingSignature,
		}
	}

	s.clear()
	return resp
}

func (s *StreamingAggregator) clear() {
	s.text = ""
	s.thinkingText = ""
	s.thinkingID = ""
	s.thinkingSignature = ""
	s.toolCalls = nil
	s.usage = nil
	s.finishReason = ""
}
