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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const maxTitleRunes = 120

// Conversation is one chat thread owned by a user.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationMessage is one persisted chat message. Metadata carries
// auxiliary JSON such as the assistant's tool scratchpad.
type ConversationMessage struct {
	ConversationID string
	SequenceNum    int
	Role           string
	Content        string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// EnsureConversation returns the conversation, creating it with the
// given title on first use. Title is only applied at creation and is
// truncated to a display-friendly length.
func (s *Store) EnsureConversation(ctx context.Context, userID, conversationID, title string) (*Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}

	conv, err := s.getConversation(ctx, conversationID)
	if err == nil {
		if conv.UserID != userID {
			return nil, ErrNotOwned
		}
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ID:        conversationID,
		UserID:    userID,
		Title:     truncateTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx,
		s.bind(`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		conv.ID, conv.UserID, nullString(conv.Title), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		// A concurrent first message may have created it already.
		if existing, getErr := s.getConversation(ctx, conversationID); getErr == nil {
			if existing.UserID != userID {
				return nil, ErrNotOwned
			}
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// Conversation loads one conversation, enforcing ownership.
func (s *Store) Conversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrNotOwned
	}
	return conv, nil
}

func (s *Store) getConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		s.bind(`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ?`),
		conversationID).Scan(&conv.ID, &conv.UserID, &title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.Title = title.String
	return &conv, nil
}

// AppendMessage appends one message to a conversation's ordered log and
// bumps the conversation's updated time.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) error {
	var metadataJSON any
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize message metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lastSeq int
	err = tx.QueryRowContext(ctx,
		s.bind(`SELECT COALESCE(MAX(sequence_num), 0) FROM conversation_messages WHERE conversation_id = ?`),
		conversationID).Scan(&lastSeq)
	if err != nil {
		return fmt.Errorf("failed to determine message sequence: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		s.bind(`INSERT INTO conversation_messages (conversation_id, sequence_num, role, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
		conversationID, lastSeq+1, role, content, metadataJSON, now)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		s.bind(`UPDATE conversations SET updated_at = ? WHERE id = ?`),
		now, conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return tx.Commit()
}

// Messages returns a conversation's messages in order. A positive limit
// returns only the newest limit messages, still oldest-first.
func (s *Store) Messages(ctx context.Context, userID, conversationID string, limit int) ([]*ConversationMessage, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrNotOwned
	}

	query := `SELECT conversation_id, sequence_num, role, content, metadata, created_at
		FROM conversation_messages WHERE conversation_id = ? ORDER BY sequence_num ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT conversation_id, sequence_num, role, content, metadata, created_at FROM (
			SELECT conversation_id, sequence_num, role, content, metadata, created_at
			FROM conversation_messages WHERE conversation_id = ?
			ORDER BY sequence_num DESC LIMIT ?
		) AS recent ORDER BY sequence_num ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []*ConversationMessage
	for rows.Next() {
		var msg ConversationMessage
		var metadata sql.NullString
		if err := rows.Scan(&msg.ConversationID, &msg.SequenceNum, &msg.Role, &msg.Content, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				slog.Warn("Skipping corrupt message metadata",
					"conversation", conversationID, "sequence", msg.SequenceNum, "error", err)
			}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// ListConversations returns the user's conversations, most recently
// active first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT id, user_id, title, created_at, updated_at FROM conversations
			WHERE user_id = ? ORDER BY updated_at DESC`),
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var conv Conversation
		var title sql.NullString
		if err := rows.Scan(&conv.ID, &conv.UserID, &title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.Title = title.String
		conversations = append(conversations, &conv)
	}
	return conversations, rows.Err()
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return ErrNotOwned
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.bind(`DELETE FROM conversation_messages WHERE conversation_id = ?`), conversationID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.bind(`DELETE FROM conversations WHERE id = ?`), conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return tx.Commit()
}

func truncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= maxTitleRunes {
		return title
	}
	return string(runes[:maxTitleRunes])
}
