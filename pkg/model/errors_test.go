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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	err := ClassifyStatus(429, "quota exhausted")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Contains(t, err.Error(), "status 429")

	for _, status := range []int{503, 529} {
		err := ClassifyStatus(status, "overloaded")
		assert.True(t, errors.Is(err, ErrUnavailable), "status %d", status)
	}

	err = ClassifyStatus(400, "bad request")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrQuotaExceeded))
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "bad request")
}
