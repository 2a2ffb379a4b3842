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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.EnsureConversation(ctx, "user-1", "conv-1", "What is MCP?")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, "What is MCP?", conv.Title)

	// A second call returns the existing thread, ignoring the new title.
	again, err := s.EnsureConversation(ctx, "user-1", "conv-1", "different title")
	require.NoError(t, err)
	assert.Equal(t, "What is MCP?", again.Title)
	assert.Equal(t, conv.CreatedAt, again.CreatedAt)
}

func TestEnsureConversationNotOwned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "user-1", "conv-1", "hello")
	require.NoError(t, err)

	_, err = s.EnsureConversation(ctx, "user-2", "conv-1", "hijack")
	assert.ErrorIs(t, err, ErrNotOwned)
}

func TestEnsureConversationTruncatesTitle(t *testing.T) {
	s := newTestStore(t)

	long := strings.Repeat("a", 500)
	conv, err := s.EnsureConversation(context.Background(), "user-1", "conv-1", long)
	require.NoError(t, err)
	assert.Len(t, []rune(conv.Title), maxTitleRunes)
}

func TestAppendAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "user-1", "conv-1", "hello")
	require.NoError(t, err)

	require.NoError(t, s.AppendMessage(ctx, "conv-1", "user", "What time is it?", nil))
	require.NoError(t, s.AppendMessage(ctx, "conv-1", "assistant", "It is noon.", map[string]any{
		"scratchpad": []string{"Tool Used: get_time with input {}"},
	}))

	messages, err := s.Messages(ctx, "user-1", "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, 1, messages[0].SequenceNum)
	assert.Equal(t, "user", messages[0].Role)
	assert.Nil(t, messages[0].Metadata)

	assert.Equal(t, 2, messages[1].SequenceNum)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, []any{"Tool Used: get_time with input {}"}, messages[1].Metadata["scratchpad"])
}

func TestMessagesLimitKeepsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "user-1", "conv-1", "hello")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, "conv-1", "user", "message", nil))
	}

	messages, err := s.Messages(ctx, "user-1", "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, 4, messages[0].SequenceNum)
	assert.Equal(t, 5, messages[1].SequenceNum)
}

func TestMessagesOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "user-1", "conv-1", "hello")
	require.NoError(t, err)

	_, err = s.Messages(ctx, "user-2", "conv-1", 0)
	assert.ErrorIs(t, err, ErrNotOwned)

	_, err = s.Messages(ctx, "user-1", "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversationsMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "user-1", "conv-old", "first")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = s.EnsureConversation(ctx, "user-1", "conv-new", "second")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	// Activity bumps the older thread back to the top.
	require.NoError(t, s.AppendMessage(ctx, "conv-old", "user", "more", nil))

	conversations, err := s.ListConversations(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "conv-old", conversations[0].ID)
	assert.Equal(t, "conv-new", conversations[1].ID)
}

func TestDeleteConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureConversation(ctx, "user-1", "conv-1", "hello")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, "conv-1", "user", "hi", nil))

	assert.ErrorIs(t, s.DeleteConversation(ctx, "user-2", "conv-1"), ErrNotOwned)
	require.NoError(t, s.DeleteConversation(ctx, "user-1", "conv-1"))

	_, err = s.Messages(ctx, "user-1", "conv-1", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	conversations, err := s.ListConversations(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, conversations)
}
