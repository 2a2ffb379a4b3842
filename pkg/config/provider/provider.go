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

// Package provider defines the config source abstraction.
//
// Providers load raw configuration bytes and support watching for
// changes so the gateway can hot-reload safe sections.
package provider

import (
	"context"
	"fmt"
)

// Type identifies the config source type.
type Type string

const (
	TypeFile Type = "file"
)

// Provider abstracts config sources.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Type returns the provider type for logging/debugging.
	Type() Type

	// Load reads raw config bytes from the source.
	Load(ctx context.Context) ([]byte, error)

	// Watch starts watching for changes and signals via the returned
	// channel. Cancel the context to stop watching. Returns a nil
	// channel if watching is not supported.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ProviderConfig configures provider creation.
type ProviderConfig struct {
	// Type specifies the provider type. Only "file" is supported.
	Type Type

	// Path is the config file path.
	Path string
}

// New creates a Provider based on ProviderConfig.
func New(opts ProviderConfig) (Provider, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	switch opts.Type {
	case TypeFile, "":
		return NewFileProvider(opts.Path)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", opts.Type)
	}
}
