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

// Package gemini implements the model.LLM interface for Google Gemini
// models via the official google.golang.org/genai SDK.
//
// Streaming goes through model.StreamingAggregator: partial responses
// for live output, one aggregated response at the end for persistence.
// Gemini can repeat a function-call part across chunks with an empty
// id, so calls get a stable content-derived id and are deduplicated
// per stream.
package gemini

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"google.golang.org/genai"

	"github.com/kadirpekel/argus/pkg/model"
	"github.com/kadirpekel/argus/pkg/protocol"
	"github.com/kadirpekel/argus/pkg/tool"
)

// Config contains configuration for the Gemini model.
type Config struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the model name (e.g. "gemini-2.0-flash").
	Model string

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature controls randomness (0-2).
	Temperature float64

	// TopP controls nucleus sampling.
	TopP float64

	// TopK controls top-k sampling.
	TopK int
}

// geminiModel implements model.LLM for Gemini.
type geminiModel struct {
	client *genai.Client
	name   string
	config Config
}

// New creates a new Gemini model instance.
func New(cfg Config) (model.LLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &geminiModel{
		client: client,
		name:   cfg.Model,
		config: cfg,
	}, nil
}

// Name returns the model identifier.
func (m *geminiModel) Name() string {
	return m.name
}

// Provider returns the provider type.
func (m *geminiModel) Provider() model.Provider {
	return model.ProviderGemini
}

// GenerateContent produces responses for the given request.
func (m *geminiModel) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	if stream {
		return m.generateStream(ctx, req)
	}

	return func(yield func(*model.Response, error) bool) {
		resp, err := m.generate(ctx, req)
		yield(resp, err)
	}
}

// Close releases resources.
func (m *geminiModel) Close() error {
	return nil
}

func (m *geminiModel) generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	contents, systemInstruction := m.buildRequest(req)
	config := m.buildConfig(req.Config, systemInstruction, req.Tools)

	genResp, err := m.client.Models.GenerateContent(ctx, m.name, contents, config)
	if err != nil {
		return nil, fmt.Errorf("Gemini generation failed: %w", classify(err))
	}

	return m.parseResponse(genResp)
}

// classify attaches the provider-neutral failure class implied by a
// genai API error's status code. RESOURCE_EXHAUSTED arrives as 429,
// UNAVAILABLE as 503.
func classify(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", model.ErrQuotaExceeded, err)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return err
}

func (m *geminiModel) generateStream(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	aggregator := model.NewStreamingAggregator()
	state := &geminiStreamState{
		emittedCallIDs: make(map[string]bool),
	}

	return func(yield func(*model.Response, error) bool) {
		contents, systemInstruction := m.buildRequest(req)
		config := m.buildConfig(req.Config, systemInstruction, req.Tools)

		for genResp, err := range m.client.Models.GenerateContentStream(ctx, m.name, contents, config) {
			if err != nil {
				yield(nil, fmt.Errorf("Gemini streaming error: %w", classify(err)))
				return
			}

			for resp, chunkErr := range m.processStreamChunk(aggregator, genResp, state) {
				if !yield(resp, chunkErr) {
					return
				}
			}
		}

		// Close any thinking block still open at end of stream.
		if state.wasInThinkingBlock && aggregator.ThinkingText() != "" {
			aggregator.ProcessThinkingComplete(aggregator.ThinkingText(), "")
		}

		if final := aggregator.Close(); final != nil {
			yield(final, nil)
		}
	}
}

// geminiStreamState tracks per-stream bookkeeping: emitted call ids for
// dedup and whether the previous chunk was a thinking delta.
type geminiStreamState struct {
	emittedCallIDs     map[string]bool
	wasInThinkingBlock bool
}

// stableCallID derives a deterministic id from the call's name and
// args, so a call Gemini repeats with an empty id maps to the same id
// in every chunk.
func stableCallID(name string, args map[string]any) string {
	data := map[string]any{
		"name": name,
		"args": args,
	}
	jsonBytes, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonBytes)
	return fmt.Sprintf("argus-%x", hash[:16])
}

func (m *geminiModel) processStreamChunk(agg *model.StreamingAggregator, genResp *genai.GenerateContentResponse, state *geminiStreamState) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if len(genResp.Candidates) == 0 {
			return
		}

		candidate := genResp.Candidates[0]

		if candidate.FinishReason != "" {
			agg.SetFinishReason(model.NormalizeFinishReason(string(candidate.FinishReason)))
		}

		if genResp.UsageMetadata != nil {
			agg.SetUsage(&model.Usage{
				PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
			})
		}

		if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
			return
		}

		for _, part := range candidate.Content.Parts {
			// A thought signature closes the current thinking block.
			if len(part.ThoughtSignature) > 0 {
				agg.ProcessThinkingComplete(agg.ThinkingText(), string(part.ThoughtSignature))
				state.wasInThinkingBlock = false
			}

			if part.Text != "" {
				if part.Thought {
					state.wasInThinkingBlock = true
					for resp, err := range agg.ProcessThinkingDelta(part.Text) {
						if !yield(resp, err) {
							return
						}
					}
				} else {
					// Transition from thinking to regular text closes
					// the thinking block.
					if state.wasInThinkingBlock && agg.ThinkingText() != "" {
						agg.ProcessThinkingComplete(agg.ThinkingText(), "")
						state.wasInThinkingBlock = false
					}
					for resp, err := range agg.ProcessTextDelta(part.Text) {
						if !yield(resp, err) {
							return
						}
					}
				}
			}

			if part.FunctionCall != nil {
				if state.wasInThinkingBlock && agg.ThinkingText() != "" {
					agg.ProcessThinkingComplete(agg.ThinkingText(), "")
					state.wasInThinkingBlock = false
				}

				callID := part.FunctionCall.ID
				if callID == "" {
					callID = stableCallID(part.FunctionCall.Name, part.FunctionCall.Args)
				}
				if state.emittedCallIDs[callID] {
					continue
				}
				state.emittedCallIDs[callID] = true

				tc := protocol.ToolCall{
					ID:   callID,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}
				for resp, err := range agg.ProcessToolCall(tc) {
					if !yield(resp, err) {
						return
					}
				}
			}
		}
	}
}

// buildRequest converts the request into Gemini contents plus an
// optional system instruction.
func (m *geminiModel) buildRequest(req *model.Request) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemInstruction *genai.Content

	if req.SystemInstruction != "" {
		systemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
			Role:  "user",
		}
	}

	for _, msg := range req.Messages {
		content := m.messageToContent(msg)
		if content != nil {
			contents = append(contents, content)
		}
	}

	return contents, systemInstruction
}

// messageToContent converts a protocol.Message to genai.Content.
func (m *geminiModel) messageToContent(msg *protocol.Message) *genai.Content {
	if msg == nil {
		return nil
	}

	var parts []*genai.Part
	role := "user"

	switch msg.Role {
	case protocol.RoleAssistant:
		role = "model"
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Args,
				},
			})
		}

	case protocol.RoleTool:
		// Function responses ride under the user role.
		parts = append(parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.Name,
				Response: map[string]any{"result": msg.Content},
			},
		})

	default:
		// User and system messages both become user text; Gemini has no
		// in-conversation system role.
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
	}

	if len(parts) == 0 {
		return nil
	}

	return &genai.Content{
		Parts: parts,
		Role:  role,
	}
}

// buildConfig creates Gemini generation config.
func (m *geminiModel) buildConfig(cfg *model.GenerateConfig, systemInstruction *genai.Content, tools []tool.Definition) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
	}

	if cfg != nil {
		if cfg.Temperature != nil {
			config.Temperature = genai.Ptr(float32(*cfg.Temperature))
		}
		if cfg.MaxTokens != nil {
			config.MaxOutputTokens = int32(*cfg.MaxTokens)
		}
		if cfg.TopP != nil {
			config.TopP = genai.Ptr(float32(*cfg.TopP))
		}
		if len(cfg.StopSequences) > 0 {
			config.StopSequences = cfg.StopSequences
		}
		if cfg.EnableThinking {
			thinkingConfig := &genai.ThinkingConfig{
				IncludeThoughts: true,
			}
			if cfg.ThinkingBudget > 0 {
				budget := int32(cfg.ThinkingBudget)
				thinkingConfig.ThinkingBudget = &budget
			}
			config.ThinkingConfig = thinkingConfig
		}
	}

	// Defaults from the model config.
	if config.Temperature == nil && m.config.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(m.config.Temperature))
	}
	if config.MaxOutputTokens == 0 && m.config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(m.config.MaxTokens)
	}
	if config.TopP == nil && m.config.TopP > 0 {
		config.TopP = genai.Ptr(float32(m.config.TopP))
	}
	if m.config.TopK > 0 {
		config.TopK = genai.Ptr(float32(m.config.TopK))
	}

	if len(tools) > 0 {
		config.Tools = m.buildTools(tools)
	}

	return config
}

// buildTools converts tool definitions to Gemini tools.
func (m *geminiModel) buildTools(tools []tool.Definition) []*genai.Tool {
	var genaiTools []*genai.Tool

	for _, t := range tools {
		genaiTools = append(genaiTools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  toGenaiSchema(t.Parameters),
				},
			},
		})
	}

	return genaiTools
}

// toGenaiSchema converts a JSON schema to a Gemini schema.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

// parseResponse converts a Gemini response into a model.Response.
func (m *geminiModel) parseResponse(genResp *genai.GenerateContentResponse) (*model.Response, error) {
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	candidate := genResp.Candidates[0]

	resp := &model.Response{
		Partial:      false,
		TurnComplete: true,
		FinishReason: model.NormalizeFinishReason(string(candidate.FinishReason)),
	}

	if candidate.Content != nil {
		var thinkingText string
		var thoughtSignature string

		for _, part := range candidate.Content.Parts {
			if len(part.ThoughtSignature) > 0 {
				thoughtSignature = string(part.ThoughtSignature)
			}

			if part.Text != "" {
				if part.Thought {
					thinkingText += part.Text
				} else {
					resp.Text += part.Text
				}
			}
			if part.FunctionCall != nil {
				callID := part.FunctionCall.ID
				if callID == "" {
					callID = stableCallID(part.FunctionCall.Name, part.FunctionCall.Args)
				}
				resp.ToolCalls = append(resp.ToolCalls, protocol.ToolCall{
					ID:   callID,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}

		if thinkingText != "" {
			resp.Thinking = &model.ThinkingBlock{
				Content:   thinkingText,
				Signature: thoughtSignature,
			}
		}
	}

	if genResp.UsageMetadata != nil {
		resp.Usage = &model.Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}

	return resp, nil
}

var _ model.LLM = (*geminiModel)(nil)
