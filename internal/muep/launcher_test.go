// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package muep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreadcrumbStepsMonotonicallyIncrease(t *testing.T) {
	b := newBreadcrumb()
	assert.Equal(t, breadcrumbBase, b.code)

	prev := b.code
	for i := 0; i < 5; i++ {
		next := b.step()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestBootstrapRequestMarshalRoundtrip(t *testing.T) {
	req := bootstrapRequest{
		EPName:   "ep1",
		UID:      1000,
		GID:      1000,
		Username: "alice",
		HomeDir:  "/home/alice",
		Args:     []string{"--foo", "bar"},
		UserOpts: map[string]any{"worker_init": "module load foo"},
	}
	data, err := req.marshal()
	require.NoError(t, err)

	got, err := unmarshalBootstrapRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req.EPName, got.EPName)
	assert.Equal(t, req.UID, got.UID)
	assert.Equal(t, req.Args, got.Args)
	assert.Equal(t, req.UserOpts["worker_init"], got.UserOpts["worker_init"])
}

func TestFailureNoticeRequestMarshalRoundtrip(t *testing.T) {
	req := failureNoticeRequest{
		QueueInfo: QueueInfo{ConnectionURL: "amqp://broker/", Queue: "result-queue"},
		Message:   "endpoint failed to start",
	}
	data, err := req.marshal()
	require.NoError(t, err)

	got, err := unmarshalFailureNoticeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req.Message, got.Message)
	assert.Equal(t, req.QueueInfo.Queue, got.QueueInfo.Queue)
}

func newTestLauncher(t *testing.T, registry *childRegistry) *Launcher {
	t.Helper()
	l, err := NewLauncher(&Config{}, registry, QueueInfo{}, nil)
	require.NoError(t, err)
	return l
}

func TestStartEndpointCachesArgsInsteadOfDuplicateFork(t *testing.T) {
	registry := newChildRegistry(time.Minute)
	defer registry.Stop()
	registry.Insert(4242, &ChildRecord{EPName: "ep1"})

	l := newTestLauncher(t, registry)
	passwd := PasswdEntry{Username: "alice", UID: 1000, GID: 1000}

	err := l.StartEndpoint(passwd, true, []string{"--foo"}, map[string]any{"name": "ep1"})
	require.NoError(t, err)

	// The already-running pid must still be the one and only registered
	// child; no duplicate fork happened.
	assert.Equal(t, 1, registry.Len())

	cached, ok := registry.cached.Pop("ep1")
	assert.True(t, ok, "a duplicate start while running must cache its args for possible revival")
	assert.Equal(t, []string{"--foo"}, cached.Args)
}

func TestStartEndpointRequiresName(t *testing.T) {
	registry := newChildRegistry(time.Minute)
	defer registry.Stop()
	l := newTestLauncher(t, registry)

	err := l.StartEndpoint(PasswdEntry{}, true, nil, map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestStartEndpointRefusesOwnUIDWhenPrivileged(t *testing.T) {
	registry := newChildRegistry(time.Minute)
	defer registry.Stop()
	l := newTestLauncher(t, registry)

	me, err := CurrentPasswd()
	require.NoError(t, err)

	err = l.StartEndpoint(me, true, nil, map[string]any{"name": "ep1"})
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestStartEndpointAllowsOwnUIDWhenForced(t *testing.T) {
	registry := newChildRegistry(time.Minute)
	defer registry.Stop()
	cfg := &Config{ForceMUAllowSameUser: true}
	l, err := NewLauncher(cfg, registry, QueueInfo{}, nil)
	require.NoError(t, err)

	me, err := CurrentPasswd()
	require.NoError(t, err)

	// Past the same-user check, StartEndpoint would attempt a real
	// fork+exec of this test binary under BootstrapSubcommand, so this
	// test stops after building the forced-config launcher and skips:
	// the bypass of the refusal is not asserted here.
	t.Skip("forking the real bootstrap child is out of scope for a unit test; see launcher_linux.go")
	_ = me
	_ = l
}
