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
	"io"
	"net"
	"strings"
)

var authErrorPatterns = []string{
	"401",
	"unauthorized",
	"authentication failed",
}

var transientErrorPatterns = []string{
	"connection reset",
	"connection refused",
	"connection closed",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"network unreachable",
	"broken pipe",
	"eof",
}

// IsAuthError reports whether any error in the chain looks like an
// authentication failure, so the caller can refresh credentials and
// retry once.
func IsAuthError(err error) bool {
	return anyInChain(err, func(e error) bool {
		return matchesAny(e.Error(), authErrorPatterns)
	})
}

// IsTransientError reports whether any error in the chain looks like a
// recoverable network hiccup worth one session rebuild and retry.
func IsTransientError(err error) bool {
	return anyInChain(err, func(e error) bool {
		if errors.Is(e, io.EOF) || errors.Is(e, io.ErrUnexpectedEOF) || errors.Is(e, context.DeadlineExceeded) {
			return true
		}
		var netErr net.Error
		if errors.As(e, &netErr) {
			return true
		}
		return matchesAny(e.Error(), transientErrorPatterns)
	})
}

// anyInChain applies match to err and every error reachable through
// Unwrap, including multi-error fan-outs from errors.Join.
func anyInChain(err error, match func(error) bool) bool {
	if err == nil {
		return false
	}
	if match(err) {
		return true
	}
	switch unwrapped := err.(type) {
	case interface{ Unwrap() error }:
		return anyInChain(unwrapped.Unwrap(), match)
	case interface{ Unwrap() []error }:
		for _, inner := range unwrapped.Unwrap() {
			if anyInChain(inner, match) {
				return true
			}
		}
	}
	return false
}

func matchesAny(message string, patterns []string) bool {
	lowered := strings.ToLower(message)
	for _, pattern := range patterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}
