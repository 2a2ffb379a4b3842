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
	"errors"
	"fmt"
)

// ErrStateNotFound is returned by a StateStore when a state record is
// missing or already consumed.
var ErrStateNotFound = errors.New("oauth state not found or expired")

// RequiresAuthenticationError signals that a server's credentials cannot
// be refreshed and the user must re-authorize through the browser flow.
type RequiresAuthenticationError struct {
	Server string
}

func (e *RequiresAuthenticationError) Error() string {
	return fmt.Sprintf("server %q requires re-authentication", e.Server)
}

// IsRequiresAuthentication reports whether err (anywhere in its chain)
// is a re-authentication escalation.
func IsRequiresAuthentication(err error) bool {
	var target *RequiresAuthenticationError
	return errors.As(err, &target)
}
