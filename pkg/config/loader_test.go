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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "file-test-key")

	dir := t.TempDir()
	path := filepath.Join(dir, "argus.yaml")
	yaml := `
server:
  port: 9090
database:
  driver: sqlite
  database: test.db
checkpointer:
  backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "test.db", cfg.Database.Database)
	assert.Equal(t, "memory", cfg.Checkpointer.Backend)
}

func TestLoadConfigFileNotFound(t *testing.T) {
	_, _, err := LoadConfigFile(context.Background(), "/nonexistent/argus.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestLoadConfigFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not: a: map"), 0644))

	_, _, err := LoadConfigFile(context.Background(), path)
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "default-key")

	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	m, ok := cfg.Model("")
	require.True(t, ok)
	assert.Equal(t, "default-key", m.APIKey)
}
