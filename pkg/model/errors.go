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

package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Provider-neutral failure classes. Adapters wrap transport failures
// with these so callers can map them to user-facing messages without
// knowing which provider was in play.
var (
	// ErrQuotaExceeded marks rate-limit and quota rejections.
	ErrQuotaExceeded = errors.New("model quota exceeded")

	// ErrUnavailable marks transient provider outages.
	ErrUnavailable = errors.New("model service unavailable")
)

// ClassifyStatus turns a non-2xx provider response into an error,
// attaching the failure class the status code implies. 529 is
// Anthropic's overloaded_error.
func ClassifyStatus(status int, detail string) error {
	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: API error (status %d): %s", ErrQuotaExceeded, status, detail)
	case http.StatusServiceUnavailable, 529:
		return fmt.Errorf("%w: API error (status %d): %s", ErrUnavailable, status, detail)
	}
	return fmt.Errorf("API error (status %d): %s", status, detail)
}
