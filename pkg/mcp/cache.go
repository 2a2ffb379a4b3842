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

package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// toolsCache memoizes tool listings per server URL and access token, so
// repeated agent builds against the same server skip the network round
// trip. Keying on the token means a refreshed credential naturally gets
// a fresh listing.
var toolsCache = struct {
	sync.RWMutex
	entries map[string][]ToolDescriptor
}{entries: make(map[string][]ToolDescriptor)}

func toolsCacheKey(serverURL, token string) string {
	sum := sha256.Sum256([]byte(token))
	return serverURL + ":" + hex.EncodeToString(sum[:])
}

func cachedTools(key string) ([]ToolDescriptor, bool) {
	toolsCache.RLock()
	defer toolsCache.RUnlock()
	tools, ok := toolsCache.entries[key]
	return tools, ok
}

func storeCachedTools(key string, tools []ToolDescriptor) {
	toolsCache.Lock()
	defer toolsCache.Unlock()
	toolsCache.entries[key] = tools
}

// ResetToolsCache drops every cached tool listing. Intended for tests
// and for forcing a full re-discovery after bulk credential changes.
func ResetToolsCache() {
	toolsCache.Lock()
	defer toolsCache.Unlock()
	toolsCache.entries = make(map[string][]ToolDescriptor)
}
