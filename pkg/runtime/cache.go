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

package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/kadirpekel/argus/pkg/tool"
)

// agentCache memoizes one compiled agent per user, keyed by a
// fingerprint of the configuration it was built from. A fingerprint
// mismatch on lookup means the configuration drifted and the agent
// must be rebuilt.
type agentCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	agent *Agent
	key   string
}

func newAgentCache() *agentCache {
	return &agentCache{entries: make(map[string]cacheEntry)}
}

// lookup returns the cached agent when its fingerprint matches key.
// An empty key never matches, so hash failures disable caching.
// existed reports whether the user had an entry at all, matching or
// not, so callers can tell a config drift from a cold start.
func (c *agentCache) lookup(userID, key string) (agent *Agent, hit, existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	if !ok {
		return nil, false, false
	}
	if key == "" || entry.key != key {
		return nil, false, true
	}
	return entry.agent, true, true
}

// put stores the agent under the user, replacing any previous entry.
// An empty key is not stored.
func (c *agentCache) put(userID, key string, agent *Agent) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{agent: agent, key: key}
}

// invalidate drops the user's entry.
func (c *agentCache) invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[userID]; ok {
		slog.Info("Invalidating agent cache", "user_id", userID)
		delete(c.entries, userID)
	}
}

// drain removes and returns all cached agents.
func (c *agentCache) drain() []*Agent {
	c.mu.Lock()
	defer c.mu.Unlock()

	agents := make([]*Agent, 0, len(c.entries))
	for _, entry := range c.entries {
		agents = append(agents, entry.agent)
	}
	c.entries = make(map[string]cacheEntry)
	return agents
}

// fingerprint is the canonical JSON shape hashed into a cache key.
// encoding/json emits map keys in sorted order, which keeps the
// serialization stable across runs.
type fingerprint struct {
	Servers         map[string]serverFingerprint `json:"servers"`
	Provider        string                       `json:"provider"`
	Model           string                       `json:"model"`
	ToolPermissions map[string]bool              `json:"tool_permissions"`
}

// serverFingerprint carries the server fields that shape the built
// agent. Credentials are deliberately absent: token refreshes rotate
// them continuously, and credential-changing events (OAuth finalize,
// server updates) invalidate the cache explicitly instead.
type serverFingerprint struct {
	ID       int64    `json:"id"`
	URL      string   `json:"url,omitempty"`
	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	Env      []string `json:"env,omitempty"`
	Manifest string   `json:"manifest,omitempty"`
}

// configKey hashes the user's effective agent configuration. Any drift
// - adding a server, toggling a tool, changing the model - changes the
// key. Returns "" when hashing fails, which disables caching for the
// request.
func configKey(servers map[string]tool.ServerEntry, provider, modelName string, permissions map[string]bool) string {
	fp := fingerprint{
		Servers:         make(map[string]serverFingerprint, len(servers)),
		Provider:        provider,
		Model:           modelName,
		ToolPermissions: permissions,
	}
	for name, entry := range servers {
		fp.Servers[name] = serverFingerprint{
			ID:       entry.ID,
			URL:      entry.URL,
			Command:  entry.Command,
			Args:     entry.Args,
			Env:      entry.Env,
			Manifest: entry.ToolsManifest,
		}
	}

	data, err := json.Marshal(fp)
	if err != nil {
		slog.Warn("Failed to compute agent config hash, disabling cache for this request", "error", err)
		return ""
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
