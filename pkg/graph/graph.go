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

// Package graph runs the agent reasoning loop as a small state machine
// with human-in-the-loop tool approval.
//
// Three nodes operate on an ordered message log merged by appending each
// node's output: agent (LLM call with the step's tool bindings), tools
// (filtered execution of unanswered tool calls), and human_review
// (synthetic tool results for denied or unreviewed calls). After each
// agent step a routing decision sends the run to tool execution, to
// review, or ends it. Runs gated on review pause before the review node:
// a checkpoint is written, pending approvals are surfaced to the caller,
// and a later run with empty input resumes from the saved state.
package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kadirpekel/argus/pkg/approval"
	"github.com/kadirpekel/argus/pkg/checkpoint"
	"github.com/kadirpekel/argus/pkg/model"
	"github.com/kadirpekel/argus/pkg/protocol"
	"github.com/kadirpekel/argus/pkg/store"
	"github.com/kadirpekel/argus/pkg/tool"
)

// Node names. A run always enters at the agent node.
const (
	nodeAgent       = "agent"
	nodeTools       = "tools"
	nodeHumanReview = "human_review"
	nodeEnd         = "__end__"
)

// defaultMaxSteps bounds node executions per run so a model that keeps
// requesting tools cannot loop forever.
const defaultMaxSteps = 25

// interruptChannel marks the pending write recorded when a run pauses
// for review.
const interruptChannel = "__interrupt__"

// ErrNothingToResume is returned when a run is started with empty input
// but the thread has no paused checkpoint to continue from.
var ErrNothingToResume = errors.New("no interrupted run to resume")

// EventType discriminates run events.
type EventType string

const (
	// EventToken is a streamed model output delta.
	EventToken EventType = "token"

	// EventMessage is a message appended to the run state.
	EventMessage EventType = "message"

	// EventToolStart marks the start of one tool execution.
	EventToolStart EventType = "tool_start"

	// EventToolEnd carries one tool execution's observation.
	EventToolEnd EventType = "tool_end"

	// EventInterrupt marks a pause for human review. It is always the
	// final event of its run.
	EventInterrupt EventType = "interrupt"
)

// Event is a single occurrence during a run, yielded in observation
// order.
type Event struct {
	Type EventType

	// Node that produced the event.
	Node string

	// Text is the token delta for EventToken and the observation for
	// EventToolEnd.
	Text string

	// Message is set for EventMessage.
	Message *protocol.Message

	// ToolCall is set for EventToolStart and EventToolEnd.
	ToolCall *protocol.ToolCall

	// Approvals holds the pending approval records awaiting a decision,
	// set for EventInterrupt.
	Approvals []*approval.Pending
}

// ApprovalSource supplies the standing tool approvals consulted when
// routing tool calls. *store.Store satisfies it.
type ApprovalSource interface {
	ApprovalsByName(ctx context.Context, userID string, names []string) (map[string]*store.StandingApproval, error)
}

// Config configures a Graph.
type Config struct {
	// LLM answers agent steps.
	LLM model.LLM

	// Tools bound to the model on every step. Tool execution is limited
	// to this set.
	Tools []tool.Tool

	// Registry enables dynamic tool discovery when set: tools named by a
	// search_tools result are bound for the following step.
	Registry *tool.Registry

	// Approvals holds pending approval requests across pause and resume.
	Approvals *approval.Registry

	// Source supplies standing approvals.
	Source ApprovalSource

	// Saver persists run state at step boundaries.
	Saver checkpoint.Saver

	// SystemInstruction is prepended to every model call.
	SystemInstruction string

	// Generate configures model calls.
	Generate *model.GenerateConfig

	// MaxSteps bounds node executions per run (default 25).
	MaxSteps int
}

// Graph is a compiled agent graph. Safe for concurrent runs on distinct
// threads.
type Graph struct {
	llm       model.LLM
	tools     []tool.Tool
	registry  *tool.Registry
	approvals *approval.Registry
	source    ApprovalSource
	saver     checkpoint.Saver
	system    string
	generate  *model.GenerateConfig
	maxSteps  int
}

// New validates cfg and builds a Graph.
func New(cfg Config) (*Graph, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm is required")
	}
	if cfg.Approvals == nil {
		return nil, fmt.Errorf("approval registry is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("approval source is required")
	}
	if cfg.Saver == nil {
		return nil, fmt.Errorf("checkpoint saver is required")
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Graph{
		llm:       cfg.LLM,
		tools:     cfg.Tools,
		registry:  cfg.Registry,
		approvals: cfg.Approvals,
		source:    cfg.Source,
		saver:     cfg.Saver,
		system:    cfg.SystemInstruction,
		generate:  cfg.Generate,
		maxSteps:  maxSteps,
	}, nil
}

// snapshot is the serialized run state at a checkpoint boundary. Next
// names the node to execute on resume; empty means the run completed.
type snapshot struct {
	Messages []*protocol.Message `json:"messages"`
	Next     string              `json:"next,omitempty"`
}

// Run executes the graph for one turn on the thread identified by cfg.
//
// A non-empty input starts a fresh run seeded with those messages,
// replacing any earlier state on the thread. Empty input resumes the
// thread's paused run; ErrNothingToResume is yielded when there is
// none. The returned sequence yields events until the run completes,
// pauses for review (EventInterrupt last), or fails.
func (g *Graph) Run(ctx context.Context, cfg checkpoint.Config, input []*protocol.Message) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		ctx, span := startRunSpan(ctx, cfg.ThreadID, cfg.UserID)
		defer span.End()

		var msgs []*protocol.Message
		next := nodeAgent
		step := 0
		cur := cfg
		cur.CheckpointID = ""

		if len(input) == 0 {
			tuple, err := g.saver.GetTuple(ctx, cfg)
			if err != nil {
				yield(nil, fmt.Errorf("failed to load checkpoint: %w", err))
				return
			}
			if tuple == nil {
				yield(nil, ErrNothingToResume)
				return
			}
			var snap snapshot
			if err := tuple.Checkpoint.DecodeState(&snap); err != nil {
				yield(nil, fmt.Errorf("failed to decode checkpoint state: %w", err))
				return
			}
			if snap.Next == "" {
				yield(nil, ErrNothingToResume)
				return
			}
			msgs = snap.Messages
			next = snap.Next
			if tuple.Metadata != nil {
				step = tuple.Metadata.Step + 1
			}
			cur = tuple.Config
			slog.Info("Resuming interrupted run",
				"thread", cfg.ThreadID, "node", next, "pending_writes", len(tuple.PendingWrites))
		} else {
			msgs = append(msgs, input...)
			if !g.put(ctx, &cur, msgs, nodeAgent, "input", -1, yield) {
				return
			}
		}

		emit := func(ev *Event) bool { return yield(ev, nil) }

		for executed := 0; ; executed++ {
			if executed >= g.maxSteps {
				yield(nil, fmt.Errorf("recursion limit of %d reached", g.maxSteps))
				return
			}
			if ctx.Err() != nil {
				slog.Debug("Run terminating on context cancellation", "thread", cfg.ThreadID, "node", next)
				return
			}

			switch next {
			case nodeAgent:
				response, ok, err := g.agentNode(ctx, msgs, emit)
				if err != nil {
					yield(nil, err)
					return
				}
				if !ok {
					return
				}
				msgs = append(msgs, response)
				if !emit(&Event{Type: EventMessage, Node: nodeAgent, Message: response}) {
					return
				}

				target, gated := g.routeTools(ctx, cfg.UserID, response)
				if !g.put(ctx, &cur, msgs, routeNext(target), "loop", step, yield) {
					return
				}
				step++

				switch target {
				case nodeEnd:
					return
				case nodeHumanReview:
					g.recordInterrupt(ctx, cur, gated)
					emit(&Event{Type: EventInterrupt, Node: nodeHumanReview, Approvals: g.pendingByID(gated)})
					return
				}
				next = nodeTools

			case nodeHumanReview:
				delta := g.humanReviewNode(cfg.UserID, msgs)
				msgs = append(msgs, delta...)
				for _, m := range delta {
					if !emit(&Event{Type: EventMessage, Node: nodeHumanReview, Message: m}) {
						return
					}
				}
				if !g.put(ctx, &cur, msgs, nodeTools, "loop", step, yield) {
					return
				}
				step++
				next = nodeTools

			case nodeTools:
				delta, ok := g.toolsNode(ctx, cfg.UserID, msgs, emit)
				if !ok {
					return
				}
				msgs = append(msgs, delta...)
				for _, m := range delta {
					if !emit(&Event{Type: EventMessage, Node: nodeTools, Message: m}) {
						return
					}
				}
				if !g.put(ctx, &cur, msgs, nodeAgent, "loop", step, yield) {
					return
				}
				step++
				next = nodeAgent
			}
		}
	}
}

// routeNext maps a routing target to the resume node stored in the
// checkpoint. Completed runs store no resume node.
func routeNext(target string) string {
	if target == nodeEnd {
		return ""
	}
	return target
}

// put checkpoints the current state. cur is advanced to the new
// checkpoint's config so the next write records its parent.
func (g *Graph) put(ctx context.Context, cur *checkpoint.Config, msgs []*protocol.Message, next, source string, step int, yield func(*Event, error) bool) bool {
	cp, err := checkpoint.NewCheckpoint(uuid.NewString(), snapshot{Messages: msgs, Next: next})
	if err != nil {
		yield(nil, err)
		return false
	}
	out, err := g.saver.Put(ctx, *cur, cp, &checkpoint.Metadata{Source: source, Step: step})
	if err != nil {
		yield(nil, fmt.Errorf("failed to save checkpoint: %w", err))
		return false
	}
	*cur = out
	return true
}

// recordInterrupt attaches the gating approval ids to the pause
// checkpoint as a pending write. Failures are logged only; the pause
// itself is already durable.
func (g *Graph) recordInterrupt(ctx context.Context, cfg checkpoint.Config, approvalIDs []string) {
	w, err := checkpoint.NewWrite(interruptChannel, approvalIDs)
	if err != nil {
		slog.Error("Failed to encode interrupt marker", "error", err)
		return
	}
	if err := g.saver.PutWrites(ctx, cfg, []checkpoint.Write{w}, uuid.NewString(), ""); err != nil {
		slog.Error("Failed to record interrupt marker", "error", err)
	}
}

// pendingByID resolves approval ids to their current records, dropping
// any already removed.
func (g *Graph) pendingByID(ids []string) []*approval.Pending {
	out := make([]*approval.Pending, 0, len(ids))
	for _, id := range ids {
		if p, ok := g.approvals.Get(id); ok {
			out = append(out, p)
		}
	}
	return out
}
