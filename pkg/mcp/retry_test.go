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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain 401", errors.New("HTTP error 401: Unauthorized"), true},
		{"unauthorized text", errors.New("request rejected: UNAUTHORIZED"), true},
		{"authentication failed", errors.New("authentication failed for user"), true},
		{"wrapped", fmt.Errorf("call failed: %w", errors.New("HTTP 401")), true},
		{"joined", errors.Join(errors.New("other"), errors.New("unauthorized")), true},
		{"deeply nested", fmt.Errorf("outer: %w", fmt.Errorf("middle: %w", errors.New("authentication failed"))), true},
		{"unrelated", errors.New("HTTP error 500: boom"), false},
		{"not found", errors.New("tool not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAuthError(tt.err))
		})
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection closed", errors.New("server connection closed"), true},
		{"timed out", errors.New("operation timed out"), true},
		{"timeout", errors.New("request timeout exceeded"), true},
		{"temporarily unavailable", errors.New("resource temporarily unavailable"), true},
		{"network unreachable", errors.New("network unreachable"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"deadline", context.DeadlineExceeded, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("boom")}, true},
		{"wrapped net error", fmt.Errorf("request failed: %w", &net.DNSError{Err: "lookup failed", IsTimeout: true}), true},
		{"auth is not transient", errors.New("HTTP error 401: Unauthorized"), false},
		{"unrelated", errors.New("invalid argument"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}

func TestAnyInChainStopsOnNil(t *testing.T) {
	// An Unwrap that returns nil must not recurse forever.
	err := fmt.Errorf("wrapper: %w", errors.New("inner"))
	calls := 0
	anyInChain(err, func(error) bool {
		calls++
		return false
	})
	assert.Equal(t, 2, calls)
}

// timeoutErr exercises the net.Error branch without a real socket.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransientErrorNetInterface(t *testing.T) {
	var err net.Error = timeoutErr{}
	assert.True(t, IsTransientError(fmt.Errorf("wrapped: %w", err)))
}
