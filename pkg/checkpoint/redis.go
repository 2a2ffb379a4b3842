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

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSaver stores checkpoints in Redis. Snapshots are plain SETs,
// thread history is a sorted set scored by wall clock, and pending
// writes live in a per-checkpoint hash.
type RedisSaver struct {
	client redis.UniversalClient
}

// NewRedisSaver creates a Redis-backed saver.
func NewRedisSaver(client redis.UniversalClient) *RedisSaver {
	return &RedisSaver{client: client}
}

// GetTuple loads the snapshot named by config.CheckpointID, or the
// thread's latest when it is empty. Missing threads and corrupt
// snapshots both yield (nil, nil).
func (s *RedisSaver) GetTuple(ctx context.Context, config Config) (*Tuple, error) {
	checkpointID := config.CheckpointID
	if checkpointID == "" {
		ids, err := s.client.ZRevRange(ctx, historyKey(config), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read thread history: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[0]
	}

	key := checkpointKey(config, checkpointID)
	data, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var envelope storedEnvelope
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		slog.Error("Failed to decode checkpoint, treating as absent", "key", key, "error", err)
		return nil, nil
	}

	fields, err := s.client.HGetAll(ctx, writesKey(config, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending writes: %w", err)
	}

	resolved := config
	resolved.CheckpointID = checkpointID
	return &Tuple{
		Config:        resolved,
		Checkpoint:    envelope.Checkpoint,
		Metadata:      envelope.Metadata,
		ParentConfig:  envelope.ParentConfig,
		PendingWrites: decodePendingWrites(fields),
	}, nil
}

// List returns the thread's snapshots newest-first, skipping the
// opts.Before marker and any entry that fails to decode.
func (s *RedisSaver) List(ctx context.Context, config Config, opts ListOptions) ([]*Tuple, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	ids, err := s.client.ZRevRange(ctx, historyKey(config), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read thread history: %w", err)
	}

	var tuples []*Tuple
	for _, id := range ids {
		if opts.Before != "" && opts.Before == id {
			continue
		}

		data, err := s.client.Get(ctx, checkpointKey(config, id)).Result()
		if err != nil {
			continue
		}
		var envelope storedEnvelope
		if err := json.Unmarshal([]byte(data), &envelope); err != nil {
			slog.Debug("Skipping corrupt checkpoint", "checkpoint_id", id, "error", err)
			continue
		}

		fields, err := s.client.HGetAll(ctx, writesKey(config, id)).Result()
		if err != nil {
			fields = nil
		}

		entry := config
		entry.CheckpointID = id
		tuples = append(tuples, &Tuple{
			Config:        entry,
			Checkpoint:    envelope.Checkpoint,
			Metadata:      envelope.Metadata,
			ParentConfig:  envelope.ParentConfig,
			PendingWrites: decodePendingWrites(fields),
		})
	}
	return tuples, nil
}

// Put stores a snapshot and registers it in the thread history in one
// pipeline. The stored parent config is the incoming config, which
// carries identifiers only. It returns the config addressing the new
// snapshot.
func (s *RedisSaver) Put(ctx context.Context, config Config, cp *Checkpoint, metadata *Metadata) (Config, error) {
	if cp == nil || cp.ID == "" {
		return Config{}, fmt.Errorf("checkpoint id is required")
	}

	parent := config
	envelope := storedEnvelope{
		Checkpoint:   cp,
		Metadata:     metadata,
		ParentConfig: &parent,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return Config{}, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	score := float64(time.Now().UnixNano()) / float64(time.Second)
	pipe := s.client.Pipeline()
	pipe.Set(ctx, checkpointKey(config, cp.ID), data, 0)
	pipe.ZAdd(ctx, historyKey(config), redis.Z{Score: score, Member: cp.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Config{}, fmt.Errorf("failed to store checkpoint: %w", err)
	}

	slog.Debug("Saved checkpoint",
		"thread", config.ThreadID, "checkpoint_id", cp.ID, "user", config.UserID)

	next := config
	next.CheckpointID = cp.ID
	return next, nil
}

// PutWrites records channel writes under the checkpoint named by the
// config, one hash field per write. A write that fails to encode is
// logged and dropped; the rest still land.
func (s *RedisSaver) PutWrites(ctx context.Context, config Config, writes []Write, taskID, taskPath string) error {
	if config.CheckpointID == "" {
		return fmt.Errorf("checkpoint id is required for writes")
	}
	if len(writes) == 0 {
		return nil
	}

	key := writesKey(config, config.CheckpointID)
	pipe := s.client.Pipeline()
	for position, write := range writes {
		stored := storedWrite{
			TaskID:   taskID,
			Channel:  write.Channel,
			Value:    write.Value,
			TaskPath: taskPath,
		}
		data, err := json.Marshal(stored)
		if err != nil {
			slog.Error("Failed to encode pending write", "channel", write.Channel, "error", err)
			continue
		}
		pipe.HSet(ctx, key, writeField(taskID, write.Channel, position), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store pending writes: %w", err)
	}
	return nil
}

var _ Saver = (*RedisSaver)(nil)
