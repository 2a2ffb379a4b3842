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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/argus/pkg/config"
	"github.com/kadirpekel/argus/pkg/protocol"
	"github.com/kadirpekel/argus/pkg/store"
	"github.com/kadirpekel/argus/pkg/stream"
)

// titleRunes caps the conversation title derived from the first prompt.
const titleRunes = 35

type chatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
	Resume    bool   `json:"resume"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

// handleChatStream runs one reasoning turn and streams its events over
// SSE. A request without a session id starts a new conversation; one
// with resume set continues a run parked on a pending approval.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Resume && strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Resume && req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required to resume")
		return
	}

	agent, _, err := s.runtime.GetOrCreateAgent(ctx, userID, req.Provider, req.Model)
	if err != nil {
		slog.Error("Failed to initialize agent", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "Could not initialize the agent.")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var input []*protocol.Message
	if req.Resume {
		if _, err := s.store.Conversation(ctx, userID, sessionID); err != nil {
			respondConversationError(w, err, "Not authorized to access this conversation")
			return
		}
	} else {
		if _, err := s.store.EnsureConversation(ctx, userID, sessionID, chatTitle(req.Prompt)); err != nil {
			respondConversationError(w, err, "Not authorized to access this conversation")
			return
		}
		if err := s.store.AppendMessage(ctx, sessionID, string(protocol.RoleUser), req.Prompt, nil); err != nil {
			slog.Error("Failed to persist user message", "session_id", sessionID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to record message")
			return
		}
		input, err = s.store.History(ctx, userID, sessionID, agent.Model(), store.DefaultHistoryTokens)
		if err != nil {
			slog.Error("Failed to load history", "session_id", sessionID, "error", err)
			respondError(w, http.StatusServiceUnavailable, "Could not retrieve past conversation history.")
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for event := range s.streamer.Stream(ctx, agent.Graph, stream.Request{
		SessionID: sessionID,
		UserID:    userID,
		Resume:    req.Resume,
		Input:     input,
	}) {
		data, err := json.Marshal(event)
		if err != nil {
			slog.Error("Failed to encode stream event", "type", event.Type, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			slog.Debug("Client write failed, stopping stream", "session_id", sessionID, "error", err)
			return
		}
		flusher.Flush()
	}
}

// chatTitle derives a conversation title from its first prompt.
func chatTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > titleRunes {
		return string(runes[:titleRunes]) + "..."
	}
	return prompt
}

func respondConversationError(w http.ResponseWriter, err error, forbidden string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "Conversation not found")
	case errors.Is(err, store.ErrNotOwned):
		respondError(w, http.StatusForbidden, forbidden)
	default:
		slog.Error("Conversation lookup failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load conversation")
	}
}

type conversationSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type conversationMessage struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	AdditionalKwargs map[string]any `json:"additional_kwargs"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context(), s.userID(r))
	if err != nil {
		slog.Error("Failed to list conversations", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	out := make([]conversationSummary, 0, len(conversations))
	for _, conv := range conversations {
		out = append(out, conversationSummary{ID: conv.ID, Title: conv.Title})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleLatestConversation(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context(), s.userID(r))
	if err != nil {
		slog.Error("Failed to list conversations", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	var latest any
	if len(conversations) > 0 {
		latest = conversations[0].ID
	}
	respondJSON(w, http.StatusOK, map[string]any{"latest_session_id": latest})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := s.userID(r)
	conversationID := chi.URLParam(r, "id")

	conv, err := s.store.Conversation(ctx, userID, conversationID)
	if err != nil {
		respondConversationError(w, err, "Not authorized to access this conversation")
		return
	}

	messages, err := s.store.Messages(ctx, userID, conversationID, 0)
	if err != nil {
		slog.Error("Failed to load messages", "conversation", conversationID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	out := make([]conversationMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		if role == string(protocol.RoleAssistant) {
			role = "agent"
		}
		kwargs := msg.Metadata
		if kwargs == nil {
			kwargs = map[string]any{}
		}
		out = append(out, conversationMessage{Role: role, Content: msg.Content, AdditionalKwargs: kwargs})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"id":       conv.ID,
		"title":    conv.Title,
		"messages": out,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if err := s.store.DeleteConversation(r.Context(), s.userID(r), conversationID); err != nil {
		respondConversationError(w, err, "Not authorized to delete this conversation")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "detail": "Conversation deleted successfully"})
}

type providerModel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

type providerInfo struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Models []providerModel `json:"models"`
}

var providerNames = map[string]string{
	config.ProviderGemini:    "Google Gemini",
	config.ProviderAnthropic: "Anthropic",
}

var modelNames = map[string]string{
	"gemini-2.5-flash":         "Gemini 2.5 Flash",
	"claude-sonnet-4-20250514": "Claude Sonnet 4",
}

// handleListProviders lists the configured providers and their models
// for the client's model picker.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(s.cfg.Models))
	for id := range s.cfg.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]providerInfo, 0, len(ids))
	for _, id := range ids {
		mc := s.cfg.Models[id]
		name := providerNames[id]
		if name == "" {
			name = id
		}
		modelName := modelNames[mc.Model]
		if modelName == "" {
			modelName = mc.Model
		}
		out = append(out, providerInfo{
			ID:     id,
			Name:   name,
			Models: []providerModel{{ID: mc.Model, Name: modelName, Provider: id}},
		})
	}
	respondJSON(w, http.StatusOK, out)
}
