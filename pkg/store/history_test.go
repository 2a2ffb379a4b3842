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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/argus/pkg/protocol"
)

func TestNewTokenCounterFallback(t *testing.T) {
	// Models without a native tiktoken encoding fall back to cl100k_base.
	for _, model := range []string{"gpt-4", "gemini-2.5-flash", "claude-sonnet-4"} {
		counter, err := NewTokenCounter(model)
		require.NoError(t, err)
		require.NotNil(t, counter)
	}
}

func TestTokenCounterCount(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	assert.Zero(t, counter.Count(""))

	n := counter.Count("Hello, world!")
	assert.GreaterOrEqual(t, n, 3)
	assert.LessOrEqual(t, n, 5)
}

func TestCountMessagesIncludesOverhead(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	// An empty list still pays the reply priming.
	assert.Equal(t, 3, counter.CountMessages(nil))

	single := counter.CountMessages([]*protocol.Message{protocol.NewUserMessage("hi")})
	assert.Greater(t, single, 3)
}

func TestFitWithinLimitKeepsNewest(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	old := protocol.NewUserMessage(strings.Repeat("lengthy filler text ", 200))
	recent := protocol.NewAssistantMessage("short answer")
	messages := []*protocol.Message{old, recent}

	fitted := counter.FitWithinLimit(messages, 50)
	require.Len(t, fitted, 1)
	assert.Equal(t, "short answer", fitted[0].Content)

	// A generous budget keeps everything in order.
	all := counter.FitWithinLimit(messages, 100_000)
	require.Len(t, all, 2)
	assert.Equal(t, old.Content, all[0].Content)
}

func TestHistoryReplaysUserAndAssistantOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "user-1", "conv-1", "hello")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, "conv-1", "user", "What time is it?", nil))
	require.NoError(t, s.AppendMessage(ctx, "conv-1", "tool", `{"time":"12:00"}`, nil))
	require.NoError(t, s.AppendMessage(ctx, "conv-1", "assistant", "It is noon.", nil))

	history, err := s.History(ctx, "user-1", "conv-1", "gpt-4", DefaultHistoryTokens)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, protocol.RoleUser, history[0].Role)
	assert.Equal(t, protocol.RoleAssistant, history[1].Role)
}

func TestHistoryMissingConversationIsEmpty(t *testing.T) {
	s := newTestStore(t)

	history, err := s.History(context.Background(), "user-1", "never-seen", "gpt-4", DefaultHistoryTokens)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHistoryWindowsByTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "user-1", "conv-1", "hello")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, "conv-1", "user", strings.Repeat("lengthy filler text ", 200), nil))
	require.NoError(t, s.AppendMessage(ctx, "conv-1", "assistant", "short answer", nil))

	history, err := s.History(ctx, "user-1", "conv-1", "gpt-4", 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "short answer", history[0].Content)
}
