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

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/argus/pkg/protocol"
)

// DefaultHistoryTokens is the history window handed to the model when
// no budget is configured.
const DefaultHistoryTokens = 8000

// TokenCounter counts tokens with the model's tiktoken encoding. Models
// without a native encoding (Gemini, Claude) are approximated with
// cl100k_base.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	// Encodings are expensive to load, so they are cached per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()
	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including the per-message
// framing overhead and the reply priming, following OpenAI's published
// chat token accounting.
func (tc *TokenCounter) CountMessages(messages []*protocol.Message) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(tc.encoding.Encode(string(msg.Role), nil, nil))
		total += len(tc.encoding.Encode(msg.Content, nil, nil))
	}
	// Every reply is primed with <|start|>assistant<|message|>.
	total += 3
	return total
}

// FitWithinLimit returns the suffix of messages that fits the token
// budget, selected newest-first so the most recent exchange survives
// truncation.
func (tc *TokenCounter) FitWithinLimit(messages []*protocol.Message, maxTokens int) []*protocol.Message {
	if len(messages) == 0 {
		return messages
	}

	fitted := []*protocol.Message{}
	currentTokens := 3 // reply priming

	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := tc.CountMessages([]*protocol.Message{messages[i]})
		if currentTokens+msgTokens > maxTokens {
			break
		}
		fitted = append([]*protocol.Message{messages[i]}, fitted...)
		currentTokens += msgTokens
	}
	return fitted
}

// History loads a conversation's prior turns as model messages, clipped
// to the token budget newest-first. Only user and assistant rows are
// replayed; tool traffic lives in the scratchpad metadata, not the
// model context. A conversation that does not exist yet yields an empty
// history. maxTokens <= 0 disables windowing.
func (s *Store) History(ctx context.Context, userID, conversationID, model string, maxTokens int) ([]*protocol.Message, error) {
	records, err := s.Messages(ctx, userID, conversationID, 0)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	messages := make([]*protocol.Message, 0, len(records))
	for _, rec := range records {
		switch protocol.Role(rec.Role) {
		case protocol.RoleUser:
			messages = append(messages, protocol.NewUserMessage(rec.Content))
		case protocol.RoleAssistant:
			messages = append(messages, protocol.NewAssistantMessage(rec.Content))
		}
	}

	if maxTokens > 0 {
		counter, err := NewTokenCounter(model)
		if err != nil {
			slog.Warn("Token counter unavailable, returning unwindowed history",
				"model", model, "error", err)
			return messages, nil
		}
		messages = counter.FitWithinLimit(messages, maxTokens)
	}
	return messages, nil
}
