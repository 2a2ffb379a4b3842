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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemorySaver keeps checkpoints in process memory under the same key
// layout as the Redis backend. State is lost on restart.
type MemorySaver struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte             // checkpoint key -> envelope
	histories   map[string]map[string]float64 // history key -> id -> score
	writes      map[string]map[string][]byte  // writes key -> field -> record
}

// NewMemorySaver creates an empty in-process saver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{
		checkpoints: make(map[string][]byte),
		histories:   make(map[string]map[string]float64),
		writes:      make(map[string]map[string][]byte),
	}
}

// latestLocked returns the history's newest checkpoint id, breaking
// score ties by reverse-lexical id like a Redis ZREVRANGE would.
func (s *MemorySaver) latestLocked(historyKey string) (string, bool) {
	ids := s.revRangeLocked(historyKey, 1)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

func (s *MemorySaver) revRangeLocked(historyKey string, limit int) []string {
	history := s.histories[historyKey]
	if len(history) == 0 {
		return nil
	}
	ids := make([]string, 0, len(history))
	for id := range history {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := history[ids[i]], history[ids[j]]
		if si != sj {
			return si > sj
		}
		return ids[i] > ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// GetTuple mirrors the Redis backend's lookup semantics.
func (s *MemorySaver) GetTuple(_ context.Context, config Config) (*Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpointID := config.CheckpointID
	if checkpointID == "" {
		latest, ok := s.latestLocked(historyKey(config))
		if !ok {
			return nil, nil
		}
		checkpointID = latest
	}

	data, ok := s.checkpoints[checkpointKey(config, checkpointID)]
	if !ok {
		return nil, nil
	}
	var envelope storedEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		slog.Error("Failed to decode checkpoint, treating as absent",
			"checkpoint_id", checkpointID, "error", err)
		return nil, nil
	}

	resolved := config
	resolved.CheckpointID = checkpointID
	return &Tuple{
		Config:        resolved,
		Checkpoint:    envelope.Checkpoint,
		Metadata:      envelope.Metadata,
		ParentConfig:  envelope.ParentConfig,
		PendingWrites: decodePendingWrites(s.writeFieldsLocked(config, checkpointID)),
	}, nil
}

func (s *MemorySaver) writeFieldsLocked(config Config, checkpointID string) map[string]string {
	raw := s.writes[writesKey(config, checkpointID)]
	if len(raw) == 0 {
		return nil
	}
	fields := make(map[string]string, len(raw))
	for field, value := range raw {
		fields[field] = string(value)
	}
	return fields
}

// List returns the thread's snapshots newest-first.
func (s *MemorySaver) List(_ context.Context, config Config, opts ListOptions) ([]*Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var tuples []*Tuple
	for _, id := range s.revRangeLocked(historyKey(config), limit) {
		if opts.Before != "" && opts.Before == id {
			continue
		}
		data, ok := s.checkpoints[checkpointKey(config, id)]
		if !ok {
			continue
		}
		var envelope storedEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			slog.Debug("Skipping corrupt checkpoint", "checkpoint_id", id, "error", err)
			continue
		}

		entry := config
		entry.CheckpointID = id
		tuples = append(tuples, &Tuple{
			Config:        entry,
			Checkpoint:    envelope.Checkpoint,
			Metadata:      envelope.Metadata,
			ParentConfig:  envelope.ParentConfig,
			PendingWrites: decodePendingWrites(s.writeFieldsLocked(config, id)),
		})
	}
	return tuples, nil
}

// Put stores a snapshot and registers it in the thread history.
func (s *MemorySaver) Put(_ context.Context, config Config, cp *Checkpoint, metadata *Metadata) (Config, error) {
	if cp == nil || cp.ID == "" {
		return Config{}, fmt.Errorf("checkpoint id is required")
	}

	parent := config
	data, err := json.Marshal(storedEnvelope{
		Checkpoint:   cp,
		Metadata:     metadata,
		ParentConfig: &parent,
	})
	if err != nil {
		return Config{}, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[checkpointKey(config, cp.ID)] = data
	hk := historyKey(config)
	if s.histories[hk] == nil {
		s.histories[hk] = make(map[string]float64)
	}
	s.histories[hk][cp.ID] = float64(time.Now().UnixNano()) / float64(time.Second)

	next := config
	next.CheckpointID = cp.ID
	return next, nil
}

// PutWrites records channel writes under the named checkpoint.
func (s *MemorySaver) PutWrites(_ context.Context, config Config, writes []Write, taskID, taskPath string) error {
	if config.CheckpointID == "" {
		return fmt.Errorf("checkpoint id is required for writes")
	}
	if len(writes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := writesKey(config, config.CheckpointID)
	if s.writes[key] == nil {
		s.writes[key] = make(map[string][]byte)
	}
	for position, write := range writes {
		data, err := json.Marshal(storedWrite{
			TaskID:   taskID,
			Channel:  write.Channel,
			Value:    write.Value,
			TaskPath: taskPath,
		})
		if err != nil {
			slog.Error("Failed to encode pending write", "channel", write.Channel, "error", err)
			continue
		}
		s.writes[key][writeField(taskID, write.Channel, position)] = data
	}
	return nil
}

var _ Saver = (*MemorySaver)(nil)
