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

// Package anthropic implements the model.LLM interface for Anthropic
// Claude models over the Messages API.
//
// Streaming parses the SSE event stream directly and feeds deltas
// through model.StreamingAggregator, so consumers see partial responses
// followed by one aggregated final response.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/argus/pkg/httpclient"
	"github.com/kadirpekel/argus/pkg/model"
	"github.com/kadirpekel/argus/pkg/protocol"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	betaThinking     = "interleaved-thinking-2025-05-14"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second

	// Anthropic requires temperature 1 when thinking is enabled.
	thinkingTemperature = 1.0
)

// Config configures the Anthropic client.
type Config struct {
	APIKey         string
	Model          string
	MaxTokens      int
	Temperature    *float64
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	EnableThinking bool
	ThinkingBudget int
}

// Client is an Anthropic LLM implementation.
type Client struct {
	httpClient     *httpclient.Client
	apiKey         string
	baseURL        string
	model          string
	maxTokens      int
	temperature    *float64
	enableThinking bool
	thinkingBudget int
}

// New creates a new Anthropic client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}

	httpClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(maxRetries),
		httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
	)

	thinkingBudget := cfg.ThinkingBudget
	if thinkingBudget == 0 {
		thinkingBudget = 10000
	}

	return &Client{
		httpClient:     httpClient,
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		model:          modelName,
		maxTokens:      maxTokens,
		temperature:    cfg.Temperature,
		enableThinking: cfg.EnableThinking,
		thinkingBudget: thinkingBudget,
	}, nil
}

// Name returns the model identifier.
func (c *Client) Name() string {
	return c.model
}

// Provider returns the provider type.
func (c *Client) Provider() model.Provider {
	return model.ProviderAnthropic
}

// GenerateContent produces responses for the given request.
func (c *Client) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	if stream {
		return c.generateStream(ctx, req)
	}

	return func(yield func(*model.Response, error) bool) {
		resp, err := c.generate(ctx, req)
		yield(resp, err)
	}
}

// Close releases resources.
func (c *Client) Close() error {
	return nil
}

func (c *Client) generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	apiReq := c.buildRequest(req, false)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if resp == nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, model.ClassifyStatus(resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return c.parseResponse(&apiResp), nil
}

// streamState accumulates per-index content blocks while the SSE stream
// is in flight.
type streamState struct {
	toolJSONBuffers    map[int]string
	toolCalls          map[int]*protocol.ToolCall
	thinkingBuffers    map[int]string
	thinkingSignatures map[int]string
	usage              *model.Usage
	finishReason       model.FinishReason
}

func newStreamState() *streamState {
	return &streamState{
		toolJSONBuffers:    make(map[int]string),
		toolCalls:          make(map[int]*protocol.ToolCall),
		thinkingBuffers:    make(map[int]string),
		thinkingSignatures: make(map[int]string),
		finishReason:       model.FinishReasonStop,
	}
}

func (c *Client) generateStream(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	aggregator := model.NewStreamingAggregator()

	return func(yield func(*model.Response, error) bool) {
		apiReq := c.buildRequest(req, true)

		body, err := json.Marshal(apiReq)
		if err != nil {
			yield(nil, fmt.Errorf("failed to marshal request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("failed to create request: %w", err))
			return
		}

		c.setHeaders(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if resp == nil {
			yield(nil, fmt.Errorf("request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			yield(nil, model.ClassifyStatus(resp.StatusCode, string(body)))
			return
		}

		reader := bufio.NewReader(resp.Body)
		state := newStreamState()

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				yield(nil, fmt.Errorf("stream read error: %w", err))
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			for resp, eventErr := range c.processStreamEvent(&event, state, aggregator) {
				if !yield(resp, eventErr) {
					return
				}
			}
		}

		if state.usage != nil {
			aggregator.SetUsage(state.usage)
		}
		aggregator.SetFinishReason(state.finishReason)

		if final := aggregator.Close(); final != nil {
			yield(final, nil)
		}
	}
}

func (c *Client) processStreamEvent(event *streamEvent, state *streamState, agg *model.StreamingAggregator) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil {
				switch event.ContentBlock.Type {
				case "tool_use":
					state.toolCalls[event.Index] = &protocol.ToolCall{
						ID:   event.ContentBlock.ID,
						Name: event.ContentBlock.Name,
					}
					state.toolJSONBuffers[event.Index] = ""
				case "thinking":
					state.thinkingBuffers[event.Index] = ""
					state.thinkingSignatures[event.Index] = ""
				}
			}

		case "content_block_delta":
			if event.Delta != nil {
				switch event.Delta.Type {
				case "text_delta":
					for resp, err := range agg.ProcessTextDelta(event.Delta.Text) {
						if !yield(resp, err) {
							return
						}
					}
				case "thinking_delta":
					state.thinkingBuffers[event.Index] += event.Delta.Thinking
					for resp, err := range agg.ProcessThinkingDelta(event.Delta.Thinking) {
						if !yield(resp, err) {
							return
						}
					}
				case "input_json_delta":
					state.toolJSONBuffers[event.Index] += event.Delta.PartialJSON
				case "signature_delta":
					state.thinkingSignatures[event.Index] += event.Delta.Signature
				}
			}

		case "content_block_stop":
			if tc, ok := state.toolCalls[event.Index]; ok {
				if jsonStr, ok := state.toolJSONBuffers[event.Index]; ok && jsonStr != "" {
					var args map[string]any
					_ = json.Unmarshal([]byte(jsonStr), &args)
					tc.Args = args
				}
				for resp, err := range agg.ProcessToolCall(*tc) {
					if !yield(resp, err) {
						return
					}
				}
			}

			if thinkingContent, ok := state.thinkingBuffers[event.Index]; ok && thinkingContent != "" {
				agg.ProcessThinkingComplete(thinkingContent, state.thinkingSignatures[event.Index])
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				state.finishReason = model.NormalizeFinishReason(event.Delta.StopReason)
			}
			if event.Usage != nil {
				state.usage = &model.Usage{
					PromptTokens:     event.Usage.InputTokens,
					CompletionTokens: event.Usage.OutputTokens,
					TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
				}
			}
		}
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	if c.enableThinking {
		req.Header.Set("anthropic-beta", betaThinking)
	}
}

// buildRequest creates an API request from a model.Request.
func (c *Client) buildRequest(req *model.Request, stream bool) *apiRequest {
	thinkingEnabled := c.enableThinking || (req.Config != nil && req.Config.EnableThinking)

	apiReq := &apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Stream:    stream,
	}
	if req.Config != nil && req.Config.MaxTokens != nil {
		apiReq.MaxTokens = *req.Config.MaxTokens
	}

	if thinkingEnabled {
		apiReq.Temperature = thinkingTemperature
	} else if req.Config != nil && req.Config.Temperature != nil {
		apiReq.Temperature = *req.Config.Temperature
	} else if c.temperature != nil {
		apiReq.Temperature = *c.temperature
	}

	if thinkingEnabled {
		budget := c.thinkingBudget
		if req.Config != nil && req.Config.ThinkingBudget > 0 {
			budget = req.Config.ThinkingBudget
		}
		apiReq.Thinking = &thinkingSettings{
			Type:         "enabled",
			BudgetTokens: budget,
		}
	}

	if req.SystemInstruction != "" {
		apiReq.System = req.SystemInstruction
	}

	for _, msg := range req.Messages {
		if apiMsg := messageToAPI(msg); apiMsg != nil {
			apiReq.Messages = append(apiReq.Messages, *apiMsg)
		}
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	return apiReq
}

// messageToAPI converts one protocol message into an API message.
// Tool results become user-role tool_result blocks, which is how the
// Messages API expects them back.
func messageToAPI(msg *protocol.Message) *apiMessage {
	if msg == nil {
		return nil
	}

	switch msg.Role {
	case protocol.RoleAssistant:
		var content []apiContent
		if msg.Content != "" {
			content = append(content, apiContent{Type: "text", Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			args := tc.Args
			if args == nil {
				args = map[string]any{}
			}
			content = append(content, apiContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: args,
			})
		}
		if len(content) == 0 {
			return nil
		}
		return &apiMessage{Role: "assistant", Content: content}

	case protocol.RoleTool:
		if msg.ToolCallID == "" {
			slog.Warn("Anthropic: tool result missing tool_call_id, skipping")
			return nil
		}
		text := msg.Content
		// The API rejects empty tool results.
		if text == "" {
			text = "(no output)"
		}
		return &apiMessage{Role: "user", Content: []apiContent{{
			Type:      "tool_result",
			ToolUseID: msg.ToolCallID,
			Content:   text,
		}}}

	default:
		// User and system turns both travel as user text; the top-level
		// system field covers the real system prompt.
		if msg.Content == "" {
			return nil
		}
		return &apiMessage{Role: "user", Content: []apiContent{{Type: "text", Text: msg.Content}}}
	}
}

// parseResponse converts an API response to a model.Response.
func (c *Client) parseResponse(resp *apiResponse) *model.Response {
	result := &model.Response{
		Partial:      false,
		TurnComplete: true,
		Usage: &model.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: model.NormalizeFinishReason(resp.StopReason),
	}

	for _, content := range resp.Content {
		switch content.Type {
		case "text":
			result.Text += content.Text
		case "thinking":
			result.Thinking = &model.ThinkingBlock{
				Content:   content.Thinking,
				Signature: content.Signature,
			}
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
				ID:   content.ID,
				Name: content.Name,
				Args: content.Input,
			})
		}
	}

	return result
}

// API types

type apiRequest struct {
	Model       string            `json:"model"`
	Messages    []apiMessage      `json:"messages"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature,omitempty"`
	Stream      bool              `json:"stream"`
	System      string            `json:"system,omitempty"`
	Tools       []apiTool         `json:"tools,omitempty"`
	Thinking    *thinkingSettings `json:"thinking,omitempty"`
}

type thinkingSettings struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type apiResponse struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	Role       string       `json:"role"`
	Content    []apiContent `json:"content"`
	StopReason string       `json:"stop_reason"`
	Usage      apiUsage     `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type         string      `json:"type"`
	Index        int         `json:"index"`
	Delta        *apiDelta   `json:"delta,omitempty"`
	ContentBlock *apiContent `json:"content_block,omitempty"`
	Usage        *apiUsage   `json:"usage,omitempty"`
}

type apiDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

var _ model.LLM = (*Client)(nil)
