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

// Package checkpoint provides durable snapshots of agent graph runs.
//
// A run checkpoints its state at every super-step and at interrupts, so
// a paused run (tool approval) or a crashed one can resume on the same
// (user, thread) from the latest snapshot. Checkpoint payloads are
// opaque JSON; the graph owns the state shape, the saver only stores
// and orders it.
//
// Two backends implement the same contract: Redis for production and an
// in-process memory saver for tests and single-node setups.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultListLimit bounds List when the caller does not.
const defaultListLimit = 15

// Config identifies a checkpoint lineage. UserID may be empty for
// system-level runs; keys then omit the user segment.
type Config struct {
	UserID       string `json:"user_id,omitempty"`
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Checkpoint is one durable snapshot of a run. State is the graph's
// serialized state, opaque to the saver.
type Checkpoint struct {
	ID    string          `json:"id"`
	TS    time.Time       `json:"ts"`
	State json.RawMessage `json:"state"`
}

// NewCheckpoint serializes state into a checkpoint envelope. The caller
// assigns the ID.
func NewCheckpoint(id string, state any) (*Checkpoint, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint state: %w", err)
	}
	return &Checkpoint{ID: id, TS: time.Now().UTC(), State: raw}, nil
}

// DecodeState deserializes the snapshot's state into v.
func (c *Checkpoint) DecodeState(v any) error {
	if err := json.Unmarshal(c.State, v); err != nil {
		return fmt.Errorf("failed to deserialize checkpoint state: %w", err)
	}
	return nil
}

// Metadata records why and when in the run a snapshot was taken.
type Metadata struct {
	Source string         `json:"source,omitempty"`
	Step   int            `json:"step"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Write is one channel write to persist alongside a checkpoint.
type Write struct {
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// NewWrite serializes a value into a channel write.
func NewWrite(channel string, value any) (Write, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Write{}, fmt.Errorf("failed to serialize write for channel %s: %w", channel, err)
	}
	return Write{Channel: channel, Value: raw}, nil
}

// PendingWrite is a stored write attributed to the task that made it.
type PendingWrite struct {
	TaskID  string          `json:"task_id"`
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// Tuple is a checkpoint together with its lineage context and any
// writes recorded after it.
type Tuple struct {
	Config        Config
	Checkpoint    *Checkpoint
	Metadata      *Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}

// ListOptions narrows List. A zero Limit means the default of 15;
// Before names a checkpoint id to skip.
type ListOptions struct {
	Limit  int
	Before string
}

// Saver persists and recalls checkpoints.
//
// GetTuple resolves config.CheckpointID, or the thread's latest when it
// is empty; a missing or corrupt snapshot yields (nil, nil) so callers
// treat it as a fresh thread.
type Saver interface {
	GetTuple(ctx context.Context, config Config) (*Tuple, error)
	List(ctx context.Context, config Config, opts ListOptions) ([]*Tuple, error)
	Put(ctx context.Context, config Config, cp *Checkpoint, metadata *Metadata) (Config, error)
	PutWrites(ctx context.Context, config Config, writes []Write, taskID, taskPath string) error
}

// NewSaver selects a backend by name: "redis" (default, requires a
// client) or "memory". Unknown names fall back to memory with a
// warning.
func NewSaver(backend string, client redis.UniversalClient) (Saver, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "redis":
		if client == nil {
			return nil, fmt.Errorf("redis checkpointer requires a redis client")
		}
		return NewRedisSaver(client), nil
	case "memory":
		slog.Warn("Using in-memory checkpointer, state will not persist across restarts")
		return NewMemorySaver(), nil
	case "postgres":
		return nil, fmt.Errorf("postgres checkpointer not implemented, use redis or memory")
	default:
		slog.Warn("Unknown checkpointer backend, falling back to memory", "backend", backend)
		return NewMemorySaver(), nil
	}
}

// Key layout, shared by both backends:
//
//	checkpoint:<user>:<thread>:<cp_id>         payload
//	checkpoint:<user>:<thread>:<cp_id>:writes  hash, field <task_id>:<idx>
//	thread:<user>:<thread>:history             sorted set, score = wall clock
//
// The user segment is dropped when the config has no user id.

func checkpointKey(cfg Config, checkpointID string) string {
	if cfg.UserID != "" {
		return fmt.Sprintf("checkpoint:%s:%s:%s", cfg.UserID, cfg.ThreadID, checkpointID)
	}
	return fmt.Sprintf("checkpoint:%s:%s", cfg.ThreadID, checkpointID)
}

func writesKey(cfg Config, checkpointID string) string {
	return checkpointKey(cfg, checkpointID) + ":writes"
}

func historyKey(cfg Config) string {
	if cfg.UserID != "" {
		return fmt.Sprintf("thread:%s:%s:history", cfg.UserID, cfg.ThreadID)
	}
	return fmt.Sprintf("thread:%s:history", cfg.ThreadID)
}

// storedEnvelope is the persisted checkpoint record.
type storedEnvelope struct {
	Checkpoint   *Checkpoint `json:"checkpoint"`
	Metadata     *Metadata   `json:"metadata"`
	ParentConfig *Config     `json:"parent_config,omitempty"`
}

// storedWrite is one persisted pending write.
type storedWrite struct {
	TaskID   string          `json:"task_id"`
	Channel  string          `json:"channel"`
	Value    json.RawMessage `json:"value"`
	TaskPath string          `json:"task_path,omitempty"`
}

// writesIdx pins special channels to fixed slots so a retried task
// overwrites its previous write instead of appending a duplicate.
var writesIdx = map[string]int{
	"__error__":     -1,
	"__scheduled__": -2,
	"__interrupt__": -3,
	"__resume__":    -4,
}

func writeField(taskID, channel string, position int) string {
	idx, ok := writesIdx[channel]
	if !ok {
		idx = position
	}
	return fmt.Sprintf("%s:%d", taskID, idx)
}

// decodePendingWrites turns a stored writes hash into ordered pending
// writes. Corrupt fields are skipped with a warning; order is by task,
// then write index.
func decodePendingWrites(fields map[string]string) []PendingWrite {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ti, ii := splitWriteField(names[i])
		tj, ij := splitWriteField(names[j])
		if ti != tj {
			return ti < tj
		}
		return ii < ij
	})

	writes := make([]PendingWrite, 0, len(names))
	for _, name := range names {
		var stored storedWrite
		if err := json.Unmarshal([]byte(fields[name]), &stored); err != nil {
			slog.Warn("Skipping corrupt pending write", "field", name, "error", err)
			continue
		}
		writes = append(writes, PendingWrite{
			TaskID:  stored.TaskID,
			Channel: stored.Channel,
			Value:   stored.Value,
		})
	}
	return writes
}

func splitWriteField(field string) (string, int) {
	pos := strings.LastIndex(field, ":")
	if pos < 0 {
		return field, 0
	}
	idx, err := strconv.Atoi(field[pos+1:])
	if err != nil {
		return field, 0
	}
	return field[:pos], idx
}
