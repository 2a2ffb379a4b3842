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

package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePermanentStore struct {
	err   error
	calls []savedApproval
}

type savedApproval struct {
	userID, toolName, approvalType, serverName string
}

func (f *fakePermanentStore) SaveToolApproval(_ context.Context, userID, toolName, approvalType, serverName string) error {
	f.calls = append(f.calls, savedApproval{userID, toolName, approvalType, serverName})
	return f.err
}

func TestControllerDecideApproveOnce(t *testing.T) {
	registry := NewRegistry()
	store := &fakePermanentStore{}
	ctrl := NewController(registry, store)

	id := registry.Create("user-1", "github_create_issue", "GitHub", nil)

	require.NoError(t, ctrl.Decide(context.Background(), "user-1", id, true, ""))

	status, err := ctrl.Status("user-1", id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status.Status)
	assert.Equal(t, TypeOnce, status.ApprovalType)

	// A once approval never touches the permanent store.
	assert.Empty(t, store.calls)
}

func TestControllerDecideApproveAlwaysPersists(t *testing.T) {
	registry := NewRegistry()
	store := &fakePermanentStore{}
	ctrl := NewController(registry, store)

	id := registry.Create("user-1", "notion_search", "Notion", map[string]any{"q": "meeting"})

	require.NoError(t, ctrl.Decide(context.Background(), "user-1", id, true, TypeAlways))

	require.Len(t, store.calls, 1)
	assert.Equal(t, savedApproval{
		userID:       "user-1",
		toolName:     "notion_search",
		approvalType: TypeAlways,
		serverName:   "Notion",
	}, store.calls[0])
}

func TestControllerDecideDeny(t *testing.T) {
	registry := NewRegistry()
	ctrl := NewController(registry, nil)

	id := registry.Create("user-1", "tool", "srv", nil)

	require.NoError(t, ctrl.Decide(context.Background(), "user-1", id, false, ""))

	status, err := ctrl.Status("user-1", id)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, status.Status)
}

func TestControllerDecideErrors(t *testing.T) {
	registry := NewRegistry()
	ctrl := NewController(registry, nil)

	err := ctrl.Decide(context.Background(), "user-1", "missing", true, "")
	assert.ErrorIs(t, err, ErrNotFound)

	id := registry.Create("user-1", "tool", "srv", nil)
	err = ctrl.Decide(context.Background(), "user-2", id, true, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	// The request stays untouched after the failed attempt.
	status, statusErr := ctrl.Status("user-1", id)
	require.NoError(t, statusErr)
	assert.Equal(t, StatusPending, status.Status)
}

func TestControllerDecidePersistFailure(t *testing.T) {
	registry := NewRegistry()
	store := &fakePermanentStore{err: errors.New("db down")}
	ctrl := NewController(registry, store)

	id := registry.Create("user-1", "tool", "srv", nil)

	err := ctrl.Decide(context.Background(), "user-1", id, true, TypeAlways)
	require.Error(t, err)

	// The in-memory decision already landed before persistence failed,
	// so the blocked run still proceeds.
	status, statusErr := ctrl.Status("user-1", id)
	require.NoError(t, statusErr)
	assert.Equal(t, StatusApproved, status.Status)
}

func TestControllerStatusErrors(t *testing.T) {
	registry := NewRegistry()
	ctrl := NewController(registry, nil)

	_, err := ctrl.Status("user-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	id := registry.Create("user-1", "tool", "srv", nil)
	_, err = ctrl.Status("user-2", id)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}
