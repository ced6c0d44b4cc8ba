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
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vmihailenco/msgpack/v5"
)

// Future is a single-value, single-completion handle, the minimal
// shape needed to mirror the spec's "completion futures" without
// pulling in a general-purpose futures library for what is one
// channel and one error. This is the one ambient concern in this
// module built on the standard library rather than an ecosystem
// package; see DESIGN.md.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the future completes or timeout elapses, returning
// the completion error (nil on success) or a timeout error.
func (f *Future) Wait(timeout time.Duration) error {
	select {
	case <-f.done:
		return f.err
	case <-time.After(timeout):
		return fmt.Errorf("future: timed out after %s", timeout)
	}
}

// ResultPublisher is the abstract publisher the dispatch loop depends
// on (spec §4.3): publish raw bytes, get back a Future that completes
// when the broker acknowledges (or with a publish error).
type ResultPublisher interface {
	Start()
	Publish(body []byte) *Future
	Stop(block bool)
	Join(timeout time.Duration) bool
	IsAlive() bool
}

// EPStatusReport is the heartbeat/result payload framed with
// MessagePack (spec §6), matching the wire shape of the original
// Python source's globus_compute_common.messagepack.EPStatusReport.
type EPStatusReport struct {
	EndpointID   string         `msgpack:"endpoint_id"`
	GlobalState  map[string]any `msgpack:"global_state"`
	TaskStatuses map[string]any `msgpack:"task_statuses"`
}

// PackHeartbeat serializes an EPStatusReport to its MessagePack wire
// form.
func PackHeartbeat(r EPStatusReport) ([]byte, error) {
	return msgpack.Marshal(r)
}

type amqpResultPublisher struct {
	info   QueueInfo
	logger *log.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	confirm chan amqp.Confirmation
	alive   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewAMQPResultPublisher constructs a publisher that connects lazily
// on Start and uses publisher confirms to resolve Futures.
func NewAMQPResultPublisher(info QueueInfo, logger *log.Logger) ResultPublisher {
	return &amqpResultPublisher{
		info:   info,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

func (p *amqpResultPublisher) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf("result-publisher: "+format, args...)
	}
}

func (p *amqpResultPublisher) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *amqpResultPublisher) run() {
	defer p.wg.Done()
	backoff := reconnectMinBackoff
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		if err := p.connect(); err != nil {
			p.logf("connect failed: %s; retrying in %s", err, backoff)
			select {
			case <-time.After(backoff):
			case <-p.stop:
				return
			}
			backoff *= 2
			if backoff > reconnectMaxBackoff {
				backoff = reconnectMaxBackoff
			}
			continue
		}
		backoff = reconnectMinBackoff
		p.waitUntilClosed()
	}
}

func (p *amqpResultPublisher) connect() error {
	conn, err := amqp.Dial(p.info.ConnectionURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("confirm: %w", err)
	}

	p.mu.Lock()
	p.conn, p.ch = conn, ch
	p.alive = true
	p.mu.Unlock()
	return nil
}

func (p *amqpResultPublisher) waitUntilClosed() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-closed:
	case <-p.stop:
	}
	p.mu.Lock()
	p.alive = false
	p.conn, p.ch = nil, nil
	p.mu.Unlock()
}

func (p *amqpResultPublisher) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// Publish sends body to the result queue and returns a Future that
// completes when the broker confirms delivery (or on publish/confirm
// error). Futures are not valid across fork, per the spec's design
// note; failure-notice children build their own synchronous publish
// path instead of reusing this type.
func (p *amqpResultPublisher) Publish(body []byte) *Future {
	f := newFuture()

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		f.complete(fmt.Errorf("result publisher: not connected"))
		return f
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	go func() {
		defer cancel()
		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", p.info.Queue, false, false, amqp.Publishing{
			ContentType: "application/octet-stream",
			Body:        body,
		})
		if err != nil {
			f.complete(fmt.Errorf("publish: %w", err))
			return
		}
		ok, err := confirm.WaitContext(ctx)
		if err != nil {
			f.complete(fmt.Errorf("publish confirm: %w", err))
			return
		}
		if !ok {
			f.complete(fmt.Errorf("publish: broker nacked"))
			return
		}
		f.complete(nil)
	}()
	return f
}

func (p *amqpResultPublisher) Stop(block bool) {
	close(p.stop)
	p.mu.Lock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
	if block {
		p.wg.Wait()
	}
}

func (p *amqpResultPublisher) Join(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// SendFailureNoticeSync opens a short-lived AMQP connection with the
// supplied credentials and publishes a single failure message, used by
// the parent's forked failure-notice helper (RunFailureNoticeHelper).
// The bootstrap child of cmd_start_endpoint does not call it: when a
// pipeline step fails, that child only writes to stderr and exits with
// its breadcrumb code. It always closes the connection before
// returning.
func SendFailureNoticeSync(queueInfo QueueInfo, msg string) error {
	conn, err := amqp.Dial(queueInfo.ConnectionURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(ctx, "", queueInfo.Queue, false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(msg),
	})
}
