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

// Package runtime assembles per-user agents. For each request it
// realizes the user's active MCP servers into callable tools, binds
// them into a reasoning graph with the requested model, and memoizes
// the result until the underlying configuration drifts.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/argus/pkg/approval"
	"github.com/kadirpekel/argus/pkg/checkpoint"
	"github.com/kadirpekel/argus/pkg/config"
	"github.com/kadirpekel/argus/pkg/graph"
	"github.com/kadirpekel/argus/pkg/model"
	"github.com/kadirpekel/argus/pkg/observability"
	"github.com/kadirpekel/argus/pkg/store"
	"github.com/kadirpekel/argus/pkg/tool"
)

// Agent is a fully wired reasoning graph together with the tools it
// was built from. Instances are shared across requests for the same
// user, so they must stay immutable after construction.
type Agent struct {
	Graph *graph.Graph
	Tools []tool.Tool

	llm model.LLM
}

// Close releases the agent's model client. Safe on a zero value.
func (a *Agent) Close() error {
	if a.llm != nil {
		return a.llm.Close()
	}
	return nil
}

// Model returns the name of the model backing this agent.
func (a *Agent) Model() string {
	if a.llm != nil {
		return a.llm.Name()
	}
	return ""
}

// Config holds runtime dependencies.
type Config struct {
	Config    *config.Config
	Store     *store.Store
	Approvals *approval.Registry
	Saver     checkpoint.Saver
	Tools     *tool.Factory

	// LLMs constructs model clients. Defaults to DefaultLLMFactory.
	LLMs LLMFactory

	// SystemPrompt overrides the instruction given to every agent.
	// Defaults to DefaultSystemPrompt.
	SystemPrompt string

	// MaxSteps bounds reasoning iterations per run. Zero uses the
	// graph default.
	MaxSteps int
}

// Runtime builds and caches agents per user.
type Runtime struct {
	cfg       *config.Config
	store     *store.Store
	approvals *approval.Registry
	saver     checkpoint.Saver
	factory   *tool.Factory
	llms      LLMFactory
	prompt    string
	maxSteps  int

	cache *agentCache

	mu sync.Mutex // serializes builds so concurrent requests don't race the cache
}

// New creates a runtime from the given configuration.
func New(cfg Config) (*Runtime, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Approvals == nil {
		return nil, fmt.Errorf("approval registry is required")
	}
	if cfg.Saver == nil {
		return nil, fmt.Errorf("checkpoint saver is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool factory is required")
	}
	llms := cfg.LLMs
	if llms == nil {
		llms = DefaultLLMFactory
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	return &Runtime{
		cfg:       cfg.Config,
		store:     cfg.Store,
		approvals: cfg.Approvals,
		saver:     cfg.Saver,
		factory:   cfg.Tools,
		llms:      llms,
		prompt:    prompt,
		maxSteps:  cfg.MaxSteps,
		cache:     newAgentCache(),
	}, nil
}

// Store returns the backing store.
func (r *Runtime) Store() *store.Store {
	return r.store
}

// Approvals returns the shared approval registry.
func (r *Runtime) Approvals() *approval.Registry {
	return r.approvals
}

// GetOrCreateAgent returns the user's agent, rebuilding it when the
// active servers, tool permissions, or model selection changed since
// the last request. The second return reports a cache hit.
//
// provider and modelName may be empty, falling back to the configured
// default provider and its default model.
func (r *Runtime) GetOrCreateAgent(ctx context.Context, userID, provider, modelName string) (*Agent, bool, error) {
	provider, mc, err := r.resolveModel(provider, modelName)
	if err != nil {
		return nil, false, err
	}

	servers, err := r.store.ActiveServers(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load active servers: %w", err)
	}

	var key string
	if perms, err := r.permissionFingerprint(ctx, userID, servers); err == nil {
		key = configKey(servers, provider, mc.Model, perms)
	} else {
		// Without the permission state the fingerprint would be a lie;
		// an empty key skips both lookup and store.
		slog.Warn("Failed to load tool permissions, disabling agent cache for this request",
			"user_id", userID, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, hit, existed := r.cache.lookup(userID, key)
	observability.GetGlobalMetrics().RecordAgentCache(hit)
	if hit {
		return agent, true, nil
	}
	if existed {
		slog.Info("Agent configuration changed, rebuilding", "user_id", userID)
	}
	slog.Info("Building new agent", "user_id", userID, "provider", provider, "model", mc.Model)

	agent, err = r.buildAgent(ctx, userID, servers, provider, mc)
	if err != nil {
		return nil, false, err
	}
	r.cache.put(userID, key, agent)
	return agent, false, nil
}

// InvalidateAgent drops the user's cached agent. Called when servers
// are registered, updated, or removed, when tool permissions toggle,
// and when an OAuth flow lands new credentials. The evicted agent is
// not closed: in-flight streams may still hold it.
func (r *Runtime) InvalidateAgent(userID string) {
	r.cache.invalidate(userID)
}

// Close releases all cached agents and their model clients.
func (r *Runtime) Close() error {
	var errs []error
	for _, agent := range r.cache.drain() {
		if err := agent.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// resolveModel picks the provider entry and applies a per-request
// model override on a copy, leaving the shared config untouched.
func (r *Runtime) resolveModel(provider, modelName string) (string, *config.ModelConfig, error) {
	if provider == "" {
		provider = r.cfg.DefaultProvider
	}
	entry, ok := r.cfg.Model(provider)
	if !ok {
		return "", nil, fmt.Errorf("no model configured for provider %q", provider)
	}
	mc := *entry
	if modelName != "" {
		mc.Model = modelName
	}
	return provider, &mc, nil
}

// permissionFingerprint captures the enabled state of every explicit
// tool permission row under "settingID:tool" keys.
func (r *Runtime) permissionFingerprint(ctx context.Context, userID string, servers map[string]tool.ServerEntry) (map[string]bool, error) {
	perms := make(map[string]bool)
	for _, entry := range servers {
		rows, err := r.store.ToolPermissions(ctx, userID, entry.ID)
		if err != nil {
			return nil, err
		}
		for name, enabled := range rows {
			perms[fmt.Sprintf("%d:%s", entry.ID, name)] = enabled
		}
	}
	return perms, nil
}

func (r *Runtime) buildAgent(ctx context.Context, userID string, servers map[string]tool.ServerEntry, provider string, mc *config.ModelConfig) (*Agent, error) {
	llm, err := r.llms(provider, mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	serverTools := r.factory.BuildTools(ctx, servers, userID, false)

	// The search tool indexes the registry snapshot taken here, so it
	// covers every server tool without surfacing itself.
	registry := tool.NewRegistry()
	registry.Register(serverTools...)

	allTools := make([]tool.Tool, 0, len(serverTools)+1)
	allTools = append(allTools, serverTools...)
	allTools = append(allTools, tool.NewSearchTool(registry))

	g, err := graph.New(graph.Config{
		LLM:               llm,
		Tools:             allTools,
		Registry:          registry,
		Approvals:         r.approvals,
		Source:            r.store,
		Saver:             r.saver,
		SystemInstruction: r.prompt,
		MaxSteps:          r.maxSteps,
	})
	if err != nil {
		_ = llm.Close()
		return nil, fmt.Errorf("failed to assemble agent graph: %w", err)
	}

	slog.Info("Agent created", "user_id", userID, "tool_count", len(allTools))
	return &Agent{Graph: g, Tools: allTools, llm: llm}, nil
}
