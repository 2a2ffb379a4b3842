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

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/argus/pkg/approval"
	"github.com/kadirpekel/argus/pkg/checkpoint"
	"github.com/kadirpekel/argus/pkg/model"
	"github.com/kadirpekel/argus/pkg/protocol"
	"github.com/kadirpekel/argus/pkg/store"
	"github.com/kadirpekel/argus/pkg/tool"
)

var _ ApprovalSource = (*store.Store)(nil)

// scriptedLLM plays back canned steps, one per GenerateContent call,
// and records every request it saw.
type scriptedLLM struct {
	mu    sync.Mutex
	steps []scriptStep
	calls []*model.Request
}

type scriptStep struct {
	partials []string
	response *model.Response
	err      error
}

func answer(text string) scriptStep {
	return scriptStep{
		partials: []string{text},
		response: &model.Response{Text: text, TurnComplete: true, FinishReason: model.FinishReasonStop},
	}
}

func callTools(calls ...protocol.ToolCall) scriptStep {
	return scriptStep{
		response: &model.Response{ToolCalls: calls, FinishReason: model.FinishReasonToolCalls},
	}
}

func (l *scriptedLLM) Name() string             { return "scripted" }
func (l *scriptedLLM) Provider() model.Provider { return model.ProviderUnknown }
func (l *scriptedLLM) Close() error             { return nil }

func (l *scriptedLLM) GenerateContent(_ context.Context, req *model.Request, _ bool) iter.Seq2[*model.Response, error] {
	l.mu.Lock()
	l.calls = append(l.calls, req)
	step := answer("done")
	if len(l.steps) > 0 {
		step = l.steps[0]
		l.steps = l.steps[1:]
	}
	l.mu.Unlock()

	return func(yield func(*model.Response, error) bool) {
		if step.err != nil {
			yield(nil, step.err)
			return
		}
		for _, p := range step.partials {
			if !yield(&model.Response{Text: p, Partial: true}, nil) {
				return
			}
		}
		yield(step.response, nil)
	}
}

func (l *scriptedLLM) requests() []*model.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*model.Request(nil), l.calls...)
}

// fakeSource serves standing approvals from a map and records the
// queried names.
type fakeSource struct {
	mu      sync.Mutex
	grants  map[string]store.StandingApproval
	err     error
	queried [][]string
}

func (s *fakeSource) ApprovalsByName(_ context.Context, _ string, names []string) (map[string]*store.StandingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queried = append(s.queried, names)
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]*store.StandingApproval, len(names))
	for _, n := range names {
		if g, ok := s.grants[n]; ok {
			g := g
			out[n] = &g
		}
	}
	return out, nil
}

func (s *fakeSource) queriedNames() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.queried...)
}

type fixture struct {
	llm       *scriptedLLM
	approvals *approval.Registry
	source    *fakeSource
	saver     *checkpoint.MemorySaver
	graph     *Graph
}

func newFixture(t *testing.T, llm *scriptedLLM, tools ...tool.Tool) *fixture {
	t.Helper()

	fx := &fixture{
		llm:       llm,
		approvals: approval.NewRegistry(),
		source:    &fakeSource{grants: map[string]store.StandingApproval{}},
		saver:     checkpoint.NewMemorySaver(),
	}
	g, err := New(Config{
		LLM:       llm,
		Tools:     tools,
		Approvals: fx.approvals,
		Source:    fx.source,
		Saver:     fx.saver,
	})
	require.NoError(t, err)
	fx.graph = g
	return fx
}

func clockTool() tool.Tool {
	return tool.NewFunc("TimeServer_get_time", "Returns the current time.", nil,
		func(context.Context, map[string]any) (string, error) {
			return "10:30 UTC", nil
		})
}

func runAll(seq iter.Seq2[*Event, error]) ([]*Event, error) {
	var events []*Event
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func eventsOfType(events []*Event, et EventType) []*Event {
	var out []*Event
	for _, ev := range events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func TestNewValidation(t *testing.T) {
	llm := &scriptedLLM{}
	base := Config{
		LLM:       llm,
		Approvals: approval.NewRegistry(),
		Source:    &fakeSource{},
		Saver:     checkpoint.NewMemorySaver(),
	}

	_, err := New(base)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*Config){
		"llm":       func(c *Config) { c.LLM = nil },
		"approvals": func(c *Config) { c.Approvals = nil },
		"source":    func(c *Config) { c.Source = nil },
		"saver":     func(c *Config) { c.Saver = nil },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "required")
		})
	}
}

func TestRunDirectAnswer(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{answer("Hello there.")}}
	fx := newFixture(t, llm)
	cfg := checkpoint.Config{UserID: "u-1", ThreadID: "t-1"}

	events, err := runAll(fx.graph.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("hi")}))
	require.NoError(t, err)

	tokens := eventsOfType(events, EventToken)
	require.Len(t, tokens, 1)
	assert.Equal(t, "Hello there.", tokens[0].Text)

	messages := eventsOfType(events, EventMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, protocol.RoleAssistant, messages[0].Message.Role)
	assert.Equal(t, "Hello there.", messages[0].Message.Content)
	assert.Empty(t, eventsOfType(events, EventInterrupt))

	// The completed thread holds a checkpoint but nothing to resume.
	_, err = runAll(fx.graph.Run(context.Background(), cfg, nil))
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestRunToolLoop(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		callTools(protocol.ToolCall{ID: "call-1", Name: "TimeServer_get_time", Args: map[string]any{"zone": "UTC"}}),
		answer("It is 10:30 UTC."),
	}}
	fx := newFixture(t, llm, clockTool())
	// No user id, so nothing is gated.
	cfg := checkpoint.Config{ThreadID: "t-1"}

	events, err := runAll(fx.graph.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("what time is it?")}))
	require.NoError(t, err)

	starts := eventsOfType(events, EventToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "TimeServer_get_time", starts[0].ToolCall.Name)
	assert.Equal(t, map[string]any{"zone": "UTC"}, starts[0].ToolCall.Args)

	ends := eventsOfType(events, EventToolEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "10:30 UTC", ends[0].Text)

	messages := eventsOfType(events, EventMessage)
	require.Len(t, messages, 3)
	assert.True(t, messages[0].Message.HasToolCalls())
	assert.True(t, messages[1].Message.IsToolResult())
	assert.Equal(t, "10:30 UTC", messages[1].Message.Content)
	assert.Equal(t, "It is 10:30 UTC.", messages[2].Message.Content)

	// The second model call sees the tool result.
	reqs := llm.requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 3)
	assert.True(t, reqs[1].Messages[2].IsToolResult())
}

func TestRunGatedInterrupt(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		callTools(protocol.ToolCall{ID: "call-1", Name: "TimeServer_get_time", Args: map[string]any{"zone": "UTC"}}),
	}}
	fx := newFixture(t, llm, clockTool())
	cfg := checkpoint.Config{UserID: "u-1", ThreadID: "t-1"}

	events, err := runAll(fx.graph.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("what time is it?")}))
	require.NoError(t, err)

	// The run pauses before review; no tool ran.
	assert.Empty(t, eventsOfType(events, EventToolStart))
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, EventInterrupt, last.Type)
	require.Len(t, last.Approvals, 1)
	assert.Equal(t, "TimeServer_get_time", last.Approvals[0].ToolName)
	assert.Equal(t, "unknown", last.Approvals[0].ServerName)
	assert.Equal(t, map[string]any{"zone": "UTC"}, last.Approvals[0].Input)

	// The pause checkpoint resumes at review and carries the interrupt
	// marker as a pending write.
	tuple, err := fx.saver.GetTuple(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)

	var snap snapshot
	require.NoError(t, tuple.Checkpoint.DecodeState(&snap))
	assert.Equal(t, nodeHumanReview, snap.Next)

	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, interruptChannel, tuple.PendingWrites[0].Channel)

	var ids []string
	require.NoError(t, json.Unmarshal(tuple.PendingWrites[0].Value, &ids))
	assert.Equal(t, []string{last.Approvals[0].ID}, ids)
}

func TestResumeApproved(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		callTools(protocol.ToolCall{ID: "call-1", Name: "TimeServer_get_time", Args: nil}),
		answer("It is 10:30 UTC."),
	}}
	fx := newFixture(t, llm, clockTool())
	cfg := checkpoint.Config{UserID: "u-1", ThreadID: "t-1"}

	events, err := runAll(fx.graph.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("what time is it?")}))
	require.NoError(t, err)
	interrupt := events[len(events)-1]
	require.Equal(t, EventInterrupt, interrupt.Type)
	id := interrupt.Approvals[0].ID

	fx.approvals.Approve(id, approval.TypeOnce)

	resumed, err := runAll(fx.graph.Run(context.Background(), cfg, nil))
	require.NoError(t, err)

	require.Len(t, eventsOfType(resumed, EventToolStart), 1)
	ends := eventsOfType(resumed, EventToolEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "10:30 UTC", ends[0].Text)

	messages := eventsOfType(resumed, EventMessage)
	require.NotEmpty(t, messages)
	final := messages[len(messages)-1].Message
	assert.Equal(t, "It is 10:30 UTC.", final.Content)

	// Execution consumed the approval record.
	_, ok := fx.approvals.Get(id)
	assert.False(t, ok)
}

func TestResumeDenied(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		callTools(protocol.ToolCall{ID: "call-1", Name: "TimeServer_get_time", Args: nil}),
		answer("Understood, I won't check the time."),
	}}
	fx := newFixture(t, llm, clockTool())
	cfg := checkpoint.Config{UserID: "u-1", ThreadID: "t-1"}

	events, err := runAll(fx.graph.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("what time is it?")}))
	require.NoError(t, err)
	id := events[len(events)-1].Approvals[0].ID

	fx.approvals.Deny(id)

	resumed, err := runAll(fx.graph.Run(context.Background(), cfg, nil))
	require.NoError(t, err)

	// The denial is injected as a tool result and nothing executes.
	assert.Empty(t, eventsOfType(resumed, EventToolStart))

	messages := eventsOfType(resumed, EventMessage)
	require.Len(t, messages, 2)
	denial := messages[0].Message
	require.True(t, denial.IsToolResult())
	assert.Equal(t, "call-1", denial.ToolCallID)
	assert.Equal(t, "Error: User explicitly denied execution of tool 'TimeServer_get_time'.", denial.Content)
	assert.Equal(t, nodeHumanReview, messages[0].Node)
	assert.Equal(t, "Understood, I won't check the time.", messages[1].Message.Content)

	// The model saw the denial before answering.
	reqs := llm.requests()
	require.Len(t, reqs, 2)
	lastReq := reqs[1].Messages
	assert.Equal(t, denial.Content, lastReq[len(lastReq)-1].Content)

	_, ok := fx.approvals.Get(id)
	assert.False(t, ok)
}

func TestResumeUndecided(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		callTools(protocol.ToolCall{ID: "call-1", Name: "TimeServer_get_time", Args: nil}),
		answer("Still waiting on your approval."),
	}}
	fx := newFixture(t, llm, clockTool())
	cfg := checkpoint.Config{UserID: "u-1", ThreadID: "t-1"}

	events, err := runAll(fx.graph.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("what time is it?")}))
	require.NoError(t, err)
	id := events[len(events)-1].Approvals[0].ID

	resumed, err := runAll(fx.graph.Run(context.Background(), cfg, nil))
	require.NoError(t, err)

	assert.Empty(t, eventsOfType(resumed, EventToolStart))
	messages := eventsOfType(resumed, EventMessage)
	require.NotEmpty(t, messages)
	assert.Equal(t, "Error: Tool 'TimeServer_get_time' is awaiting user approval.", messages[0].Message.Content)

	// The record stays for a later decision.
	rec, ok := fx.approvals.Get(id)
	require.True(t, ok)
	assert.Nil(t, rec.Approved)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	fx := newFixture(t, &scriptedLLM{})
	cfg := checkpoint.Config{UserID: "u-1", ThreadID: "fresh"}

	_, err := runAll(fx.graph.Run(context.Background(), cfg, nil))
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestRunStandingAlwaysSkipsReview(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		callTools(protocol.ToolCall{ID: "call-1", Name: "TimeServer_get_time", Args: nil}),
		answer("It is 10:30 UTC."),
	}}
	fx := newFixture(t, llm, clockTool())
	fx.source.grants["TimeServer_get_time"] = store.StandingApproval{
		UserID:       "u-1",
		ToolName:     "TimeServer_get_time",
		ApprovalType: approval.TypeAlways,
	}
	cfg := checkpoint.Config{UserID: "u-1", ThreadID: "t-1"}

	events, err := runAll(fx.graph.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("what time is it?")}))
	require.NoError(t, err)

	assert.Empty(t, eventsOfType(events, EventInterrupt))
	require.Len(t, eventsOfType(events, EventToolStart), 1)
	assert.Empty(t, fx.approvals.PendingForUser("u-1"))
}

func TestRunFreshInputReplacesInterruptedThread(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		callTools(protocol.ToolCall{ID: "call-1", Name: "TimeServer_get_time", Args: nil}),
		answer("Sure, hello!"),
	}}
	fx := newFixture(t, llm, clockTool())
	cfg := checkpoint.Config{UserID: "u-1", ThreadID: "t-1"}

	_, err := runAll(fx.graph.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("what time is it?")}))
	require.NoError(t, err)

	// A new prompt on the paused thread starts over from the given
	// messages instead of resuming the interrupted state.
	input := []*protocol.Message{protocol.NewUserMessage("never mind, just say hi")}
	events, err := runAll(fx.graph.Run(context.Background(), cfg, input))
	require.NoError(t, err)

	messages := eventsOfType(events, EventMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "Sure, hello!", messages[0].Message.Content)

	reqs := llm.requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 1)
	assert.Equal(t, "never mind, just say hi", reqs[1].Messages[0].Content)

	tuple, err := fx.saver.GetTuple(context.Background(), cfg)
	require.NoError(t, err)
	var snap snapshot
	require.NoError(t, tuple.Checkpoint.DecodeState(&snap))
	assert.Empty(t, snap.Next)
}

func TestRunRecursionLimit(t *testing.T) {
	call := protocol.ToolCall{ID: "call-1", Name: "TimeServer_get_time", Args: nil}
	llm := &scriptedLLM{steps: []scriptStep{
		callTools(call), callTools(call), callTools(call),
	}}

	g, err := New(Config{
		LLM:       llm,
		Tools:     []tool.Tool{clockTool()},
		Approvals: approval.NewRegistry(),
		Source:    &fakeSource{},
		Saver:     checkpoint.NewMemorySaver(),
		MaxSteps:  4,
	})
	require.NoError(t, err)

	cfg := checkpoint.Config{ThreadID: "t-1"}
	_, err = runAll(g.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("loop forever")}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recursion limit")
}

func TestRunModelError(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{{err: errors.New("quota exceeded")}}}
	fx := newFixture(t, llm)
	cfg := checkpoint.Config{UserID: "u-1", ThreadID: "t-1"}

	events, err := runAll(fx.graph.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("hi")}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Empty(t, eventsOfType(events, EventMessage))
}

func TestRunCancelledContext(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{answer("never sent")}}
	fx := newFixture(t, llm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := checkpoint.Config{UserID: "u-1", ThreadID: "t-1"}
	events, err := runAll(fx.graph.Run(ctx, cfg, []*protocol.Message{protocol.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, llm.requests())
}

func TestRunCheckpointLineage(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptStep{
		callTools(protocol.ToolCall{ID: "call-1", Name: "TimeServer_get_time", Args: nil}),
		answer("It is 10:30 UTC."),
	}}
	fx := newFixture(t, llm, clockTool())
	cfg := checkpoint.Config{ThreadID: "t-1"}

	_, err := runAll(fx.graph.Run(context.Background(), cfg, []*protocol.Message{protocol.NewUserMessage("what time is it?")}))
	require.NoError(t, err)

	tuples, err := fx.saver.List(context.Background(), cfg, checkpoint.ListOptions{})
	require.NoError(t, err)
	require.Len(t, tuples, 4)

	byID := make(map[string]*checkpoint.Tuple, len(tuples))
	for _, tp := range tuples {
		byID[tp.Config.CheckpointID] = tp
	}

	// Walk the parent chain from the latest checkpoint back to the
	// seeded input state.
	tuple, err := fx.saver.GetTuple(context.Background(), cfg)
	require.NoError(t, err)

	wantSteps := []int{2, 1, 0, -1}
	wantSources := []string{"loop", "loop", "loop", "input"}
	for i := range wantSteps {
		require.NotNil(t, tuple, "chain ended early at %d", i)
		assert.Equal(t, wantSteps[i], tuple.Metadata.Step)
		assert.Equal(t, wantSources[i], tuple.Metadata.Source)

		require.NotNil(t, tuple.ParentConfig)
		tuple = byID[tuple.ParentConfig.CheckpointID]
	}
	assert.Nil(t, tuple, "input checkpoint has no parent")
}
