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

// Package stream turns graph run events into the client event stream:
// token deltas, a tool-use scratchpad, approval prompts, classified
// failures, and a terminal stream_end. It also persists the final
// assistant message, scratchpad attached, into conversation history.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/argus/pkg/approval"
	"github.com/kadirpekel/argus/pkg/checkpoint"
	"github.com/kadirpekel/argus/pkg/graph"
	"github.com/kadirpekel/argus/pkg/model"
	"github.com/kadirpekel/argus/pkg/oauth"
	"github.com/kadirpekel/argus/pkg/protocol"
)

// User-visible failure messages.
const (
	quotaMessage       = "My brain is tired (Gemini Quota Exceeded). Please give me a moment to rest and try again."
	unavailableMessage = "The AI service is momentarily unavailable. Please try again shortly."
	internalMessage    = "An internal error occurred."
)

const (
	// pollAttempts bounds the tool-start scan for a freshly created
	// pending approval.
	pollAttempts = 5

	defaultPollInterval  = 100 * time.Millisecond
	defaultMaxPendingAge = time.Hour
)

// History persists terminal assistant messages. Satisfied by
// *store.Store.
type History interface {
	AppendMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) error
}

// Config wires a Streamer.
type Config struct {
	// History receives the final assistant message of each run.
	History History

	// Approvals is the shared pending-approval registry the graph
	// records interrupts in.
	Approvals *approval.Registry

	// PollInterval paces the tool-start approval poll. Defaults to
	// 100ms.
	PollInterval time.Duration

	// MaxPendingAge bounds how old a pending approval may be and still
	// be surfaced when resuming. Defaults to one hour.
	MaxPendingAge time.Duration
}

// Streamer runs agent graphs and emits client events.
type Streamer struct {
	history   History
	approvals *approval.Registry
	interval  time.Duration
	maxAge    time.Duration
}

// New creates a streamer from the given configuration.
func New(cfg Config) (*Streamer, error) {
	if cfg.History == nil {
		return nil, fmt.Errorf("history is required")
	}
	if cfg.Approvals == nil {
		return nil, fmt.Errorf("approval registry is required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxAge := cfg.MaxPendingAge
	if maxAge <= 0 {
		maxAge = defaultMaxPendingAge
	}
	return &Streamer{
		history:   cfg.History,
		approvals: cfg.Approvals,
		interval:  interval,
		maxAge:    maxAge,
	}, nil
}

// Request describes one stream invocation. Input carries the prompt and
// prior history for a fresh run and stays empty when resuming an
// interrupted one.
type Request struct {
	SessionID string
	UserID    string
	Resume    bool
	Input     []*protocol.Message
}

// Stream executes the graph and yields client events in order. The
// sequence always terminates with stream_end unless the consumer stops
// early; failures surface as a server_error event, never as a panic or
// a missing terminator.
func (s *Streamer) Stream(ctx context.Context, g *graph.Graph, req Request) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		slog.Info("Starting stream", "session_id", req.SessionID, "resume", req.Resume)

		if s.run(ctx, g, req, yield) {
			yield(Event{Type: TypeEnd, Payload: EndPayload{SessionID: req.SessionID, UserID: req.UserID}})
		}
		slog.Info("Stream ended", "session_id", req.SessionID)
	}
}

// run drives the graph loop, the terminal persistence, and the
// post-loop approval sweep. It returns false only when the consumer
// stopped taking events.
func (s *Streamer) run(ctx context.Context, g *graph.Graph, req Request, yield func(Event) bool) bool {
	start := time.Now().UTC()
	cfg := checkpoint.Config{UserID: req.UserID, ThreadID: req.SessionID}

	var scratchpad []string
	var answer string
	var runErr error

loop:
	for ev, err := range g.Run(ctx, cfg, req.Input) {
		if err != nil {
			runErr = err
			break
		}

		switch ev.Type {
		case graph.EventToken:
			if ev.Text == "" {
				continue
			}
			if !yield(Event{Type: TypeToken, Payload: TokenPayload{Content: ev.Text}}) {
				return false
			}

		case graph.EventToolStart:
			name := ev.ToolCall.Name
			args := ev.ToolCall.Args
			if args == nil {
				args = map[string]any{}
			}

			// A blocking permission gate registers its approval after
			// the start event fires; poll briefly so it still surfaces
			// inside this stream.
			if p := s.pollPending(ctx, req.UserID, name, start); p != nil {
				if !yield(approvalEvent(p)) {
					return false
				}
			}

			scratchpad = append(scratchpad, "Tool Used: "+name+" with input "+marshalArgs(args))
			if !yield(Event{Type: TypeScratchpad, Payload: ToolStartPayload{
				Kind:      KindToolStart,
				ToolName:  name,
				ToolInput: args,
			}}) {
				return false
			}

		case graph.EventToolEnd:
			scratchpad = append(scratchpad, "Tool Output: "+ev.Text)
			if !yield(Event{Type: TypeScratchpad, Payload: ToolEndPayload{
				Kind:        KindToolEnd,
				ToolName:    ev.ToolCall.Name,
				Observation: ev.Text,
			}}) {
				return false
			}

		case graph.EventMessage:
			if m := ev.Message; m != nil && m.Role == protocol.RoleAssistant &&
				!m.HasToolCalls() && strings.TrimSpace(m.Content) != "" {
				answer = m.Content
			}

		case graph.EventInterrupt:
			if !yield(Event{Type: TypeScratchpad, Payload: StatusPayload{
				Kind:   KindAgentStatus,
				Status: "awaiting_approval",
			}}) {
				return false
			}
			break loop
		}
	}

	if runErr != nil {
		return s.emitError(yield, req.SessionID, runErr)
	}

	if answer != "" {
		s.persistAnswer(ctx, req.SessionID, answer, scratchpad)
		if !yield(Event{Type: TypeAnswer, Payload: AnswerPayload{Content: answer}}) {
			return false
		}
	}

	return s.sweep(yield, req, start)
}

// persistAnswer appends the final assistant message with the run's
// scratchpad as metadata. Persistence failures are logged, not
// surfaced: the user already has the answer on the wire.
func (s *Streamer) persistAnswer(ctx context.Context, sessionID, answer string, scratchpad []string) {
	if scratchpad == nil {
		scratchpad = []string{}
	}
	metadata := map[string]any{"scratchpad": scratchpad}
	if err := s.history.AppendMessage(ctx, sessionID, string(protocol.RoleAssistant), answer, metadata); err != nil {
		slog.Error("Failed to persist final answer", "session_id", sessionID, "error", err)
	}
}

// pollPending scans for an undecided approval created during this
// stream for the given tool, retrying briefly to cover the gate's
// registration racing the start event.
func (s *Streamer) pollPending(ctx context.Context, userID, toolName string, start time.Time) *approval.Pending {
	for attempt := 0; ; attempt++ {
		for _, p := range s.approvals.PendingForUser(userID) {
			if p.ToolName == toolName && !p.CreatedAt.Before(start) {
				return p
			}
		}
		if attempt == pollAttempts-1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// sweep surfaces an approval recorded by a graph interrupt, which never
// produces a tool-start event of its own. Fresh runs ignore approvals
// older than the stream; resumed runs accept them up to maxAge, so a
// forgotten prompt cannot replay indefinitely. At most one approval is
// emitted per sweep.
func (s *Streamer) sweep(yield func(Event) bool, req Request, start time.Time) bool {
	now := time.Now().UTC()
	for _, p := range s.approvals.PendingForUser(req.UserID) {
		if !req.Resume && p.CreatedAt.Before(start) {
			continue
		}
		if req.Resume && now.Sub(p.CreatedAt) > s.maxAge {
			continue
		}
		return yield(approvalEvent(p))
	}
	return true
}

// emitError maps a run failure onto the user-visible error taxonomy.
func (s *Streamer) emitError(yield func(Event) bool, sessionID string, err error) bool {
	var authErr *oauth.RequiresAuthenticationError

	var msg string
	switch {
	case errors.Is(err, model.ErrQuotaExceeded):
		slog.Warn("Model quota exceeded", "session_id", sessionID)
		msg = quotaMessage
	case errors.Is(err, model.ErrUnavailable):
		slog.Warn("Model service unavailable", "session_id", sessionID, "error", err)
		msg = unavailableMessage
	case errors.As(err, &authErr):
		slog.Warn("Server requires re-authentication", "session_id", sessionID, "server", authErr.Server)
		msg = fmt.Sprintf("Authentication with %s has expired. Please reconnect the server and try again.", authErr.Server)
	default:
		slog.Error("Error during stream", "session_id", sessionID, "error", err)
		msg = internalMessage
	}
	return yield(Event{Type: TypeError, Payload: ErrorPayload{Message: msg}})
}

func approvalEvent(p *approval.Pending) Event {
	server := p.ServerName
	if server == "" {
		server = "unknown"
	}
	input := p.Input
	if input == nil {
		input = map[string]any{}
	}
	return Event{Type: TypeApprovalRequired, Payload: ApprovalPayload{
		ApprovalID: p.ID,
		ToolName:   p.ToolName,
		ServerName: server,
		Payload:    input,
	}}
}

func marshalArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
