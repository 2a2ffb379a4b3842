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

package config

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis connection backing checkpoints and
// ephemeral OAuth state.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty" jsonschema:"title=Address,description=Redis host:port,default=localhost:6379"`

	// Password authenticates against the server, if required.
	Password string `yaml:"password,omitempty" json:"password,omitempty" jsonschema:"title=Password,description=Redis password"`

	// DB selects the logical database.
	DB int `yaml:"db,omitempty" json:"db,omitempty" jsonschema:"title=DB,description=Logical database index,minimum=0,default=0"`

	// StateTTL bounds the lifetime of ephemeral OAuth state records.
	// Default: 10m
	StateTTL time.Duration `yaml:"state_ttl,omitempty" json:"state_ttl,omitempty" jsonschema:"title=State TTL,description=OAuth state record lifetime,default=10m"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty" jsonschema:"title=Dial Timeout,description=Connection establishment deadline,default=5s"`
}

// SetDefaults applies default values.
func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.StateTTL == 0 {
		c.StateTTL = 10 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Validate checks the Redis configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("db must be non-negative")
	}
	return nil
}

// Client builds a go-redis client from this configuration. The caller
// owns the returned client.
func (c *RedisConfig) Client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: c.DialTimeout,
	})
}
