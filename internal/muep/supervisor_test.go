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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// fakeQueue and fakePublisher let supervisor tests run without a real
// AMQP broker, mirroring the teacher's preference for hand-rolled fakes
// over a mocking framework for narrow collaborator interfaces.
type fakeQueue struct {
	deliveries chan Delivery
	stop       chan struct{}
	acked      []uint64
	mu         sync.Mutex
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{deliveries: make(chan Delivery, 8), stop: make(chan struct{})}
}

func (f *fakeQueue) Start()                          {}
func (f *fakeQueue) Deliveries() <-chan Delivery      { return f.deliveries }
func (f *fakeQueue) StopEvent() <-chan struct{}       { return f.stop }
func (f *fakeQueue) Join(time.Duration) bool          { return true }
func (f *fakeQueue) Ack(tag uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
}

type fakePublisher struct {
	published atomic.Int32
}

func (f *fakePublisher) Start() {}
func (f *fakePublisher) Publish(body []byte) *Future {
	f.published.Add(1)
	fut := newFuture()
	fut.complete(nil)
	return fut
}
func (f *fakePublisher) Stop(block bool)                 {}
func (f *fakePublisher) Join(timeout time.Duration) bool { return true }
func (f *fakePublisher) IsAlive() bool                   { return true }

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeQueue, *fakePublisher) {
	t.Helper()
	registry := newChildRegistry(time.Minute)
	launcher, err := NewLauncher(&Config{}, registry, QueueInfo{}, nil)
	require.NoError(t, err)

	q := newFakeQueue()
	p := &fakePublisher{}
	s := &Supervisor{
		cfg:                     &Config{},
		queue:                   q,
		publisher:               p,
		registry:                registry,
		launcher:                launcher,
		signalOwnProcessGroupFn: func() {},
	}
	return s, q, p
}

func TestShutdownIsIdempotent(t *testing.T) {
	s, _, pub := newTestSupervisor(t)

	s.Shutdown()
	s.Shutdown()

	// Exactly one terminal heartbeat must have been published, not two.
	assert.Equal(t, int32(1), pub.published.Load())
}

func TestShutdownSendsTerminalHeartbeatWithZeroPeriod(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	s.endpointUUID = "ep-uuid"

	var captured []byte
	s.publisher = &capturingPublisher{capture: &captured}

	s.sendTerminalHeartbeat()

	var report EPStatusReport
	require.NoError(t, msgpack.Unmarshal(captured, &report))
	assert.EqualValues(t, 0, report.GlobalState["heartbeat_period"])
	assert.Equal(t, "ep-uuid", report.EndpointID)
}

type capturingPublisher struct {
	capture *[]byte
}

func (c *capturingPublisher) Start() {}
func (c *capturingPublisher) Publish(body []byte) *Future {
	*c.capture = body
	fut := newFuture()
	fut.complete(nil)
	return fut
}
func (c *capturingPublisher) Stop(block bool)                 {}
func (c *capturingPublisher) Join(timeout time.Duration) bool { return true }
func (c *capturingPublisher) IsAlive() bool                   { return true }

func TestReapChildrenNoOpWithoutExitedChildren(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	assert.NotPanics(t, func() { s.reapChildren() })
}
