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

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateTTL bounds how long an authorization round-trip may take before
// the state record expires.
const StateTTL = 10 * time.Minute

// State is the ephemeral record linking an authorization redirect back to
// the finalize callback. Single-use: consumed on finalize.
type State struct {
	ClientID         string `json:"client_id"`
	ClientSecret     string `json:"client_secret,omitempty"`
	RedirectURI      string `json:"redirect_uri"`
	AuthorizationURL string `json:"authorization_url"`
	TokenURL         string `json:"token_url,omitempty"`
	ServerURL        string `json:"server_url"`
	ServerName       string `json:"server_name"`
	Scope            string `json:"scope,omitempty"`
	CodeVerifier     string `json:"code_verifier"`
	UserID           string `json:"user_id,omitempty"`
	SettingID        int64  `json:"setting_id,omitempty"`
}

// StateStore persists State records under their opaque state string.
type StateStore interface {
	// Put stores the record under the given state with the store's TTL.
	Put(ctx context.Context, state string, record *State) error

	// Take retrieves and deletes the record in one step, enforcing
	// single use. Missing or expired states yield ErrStateNotFound.
	Take(ctx context.Context, state string) (*State, error)
}

const stateKeyPrefix = "oauth_state:"

// RedisStateStore keeps states in Redis so any gateway replica can
// finalize a flow started by another.
type RedisStateStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStateStore builds a Redis-backed state store. A zero ttl means
// StateTTL.
func NewRedisStateStore(client redis.UniversalClient, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = StateTTL
	}
	return &RedisStateStore{client: client, ttl: ttl}
}

func (s *RedisStateStore) Put(ctx context.Context, state string, record *State) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode oauth state: %w", err)
	}
	if err := s.client.Set(ctx, stateKeyPrefix+state, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Take(ctx context.Context, state string) (*State, error) {
	data, err := s.client.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if err == redis.Nil {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth state: %w", err)
	}
	var record State
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt oauth state: %w", err)
	}
	return &record, nil
}

// MemoryStateStore is the in-process StateStore used in tests and in
// redis-less deployments.
type MemoryStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]memoryState
}

type memoryState struct {
	record    *State
	expiresAt time.Time
}

// NewMemoryStateStore builds an in-memory state store. A zero ttl means
// StateTTL.
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	if ttl <= 0 {
		ttl = StateTTL
	}
	return &MemoryStateStore{
		ttl:     ttl,
		records: make(map[string]memoryState),
	}
}

func (s *MemoryStateStore) Put(ctx context.Context, state string, record *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[state] = memoryState{record: record, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryStateStore) Take(ctx context.Context, state string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.records, state)
	if time.Now().After(entry.expiresAt) {
		return nil, ErrStateNotFound
	}
	return entry.record, nil
}
