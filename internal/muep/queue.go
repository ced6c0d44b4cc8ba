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
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueInfo is the connection information the registration round-trip
// returns for either the command queue or the result queue.
type QueueInfo struct {
	ConnectionURL      string         `json:"connection_url"`
	Queue              string         `json:"queue"`
	QueuePublishKwargs map[string]any `json:"queue_publish_kwargs"`
}

// CommandQueueSubscriber is the abstract command-queue consumer the
// dispatch loop depends on (spec §4.2). The AMQP implementation below
// is the only production implementation; tests substitute a fake.
type CommandQueueSubscriber interface {
	Start()
	Deliveries() <-chan Delivery
	Ack(tag uint64)
	StopEvent() <-chan struct{}
	Join(timeout time.Duration) bool
}

const (
	reconnectMinBackoff = 500 * time.Millisecond
	reconnectMaxBackoff = 30 * time.Second
)

// amqpCommandQueueSubscriber maintains a resilient connection to the
// control-plane command queue, reconnecting with capped exponential
// backoff on transport failure, and feeds deliveries into a bounded
// channel shared with the dispatch loop. The goroutine-plus-done-channel
// shape (and the reconnect ticker loop) is grounded on
// tenant.Manager.gc/cachegc's background-goroutine convention.
type amqpCommandQueueSubscriber struct {
	info   QueueInfo
	logger *log.Logger

	out  chan Delivery
	stop chan struct{}
	wg   sync.WaitGroup

	mu   sync.Mutex
	ch   *amqp.Channel
	conn *amqp.Connection
}

// NewAMQPCommandQueueSubscriber constructs a subscriber for the given
// queue, buffering up to bufSize undelivered messages.
func NewAMQPCommandQueueSubscriber(info QueueInfo, bufSize int, logger *log.Logger) CommandQueueSubscriber {
	return &amqpCommandQueueSubscriber{
		info:   info,
		logger: logger,
		out:    make(chan Delivery, bufSize),
		stop:   make(chan struct{}),
	}
}

func (s *amqpCommandQueueSubscriber) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *amqpCommandQueueSubscriber) Deliveries() <-chan Delivery { return s.out }
func (s *amqpCommandQueueSubscriber) StopEvent() <-chan struct{}  { return s.stop }

func (s *amqpCommandQueueSubscriber) Ack(tag uint64) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Ack(tag, false); err != nil {
		s.logf("ack(%d) failed: %s", tag, err)
	}
}

func (s *amqpCommandQueueSubscriber) Join(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *amqpCommandQueueSubscriber) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("command-queue: "+format, args...)
	}
}

// run is the subscriber's own goroutine: connect, consume until the
// connection dies or stop is requested, then reconnect with backoff.
func (s *amqpCommandQueueSubscriber) run() {
	defer s.wg.Done()
	defer close(s.out)

	backoff := reconnectMinBackoff
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.connectAndConsume(); err != nil {
			s.logf("connection lost: %s; reconnecting in %s", err, backoff)
			select {
			case <-time.After(backoff):
			case <-s.stop:
				return
			}
			backoff *= 2
			if backoff > reconnectMaxBackoff {
				backoff = reconnectMaxBackoff
			}
			continue
		}
		backoff = reconnectMinBackoff
	}
}

func (s *amqpCommandQueueSubscriber) connectAndConsume() error {
	conn, err := amqp.Dial(s.info.ConnectionURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(s.info.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	s.mu.Lock()
	s.conn, s.ch = conn, ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn, s.ch = nil, nil
		s.mu.Unlock()
	}()

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			headers := make(map[string]any, len(d.Headers))
			for k, v := range d.Headers {
				headers[k] = v
			}
			select {
			case s.out <- Delivery{
				Tag:         d.DeliveryTag,
				Timestamp:   d.Timestamp,
				Headers:     headers,
				ContentType: d.ContentType,
				Body:        d.Body,
			}:
			case <-s.stop:
				return nil
			}
		case err := <-connClosed:
			if err != nil {
				return err
			}
			return fmt.Errorf("connection closed")
		case <-s.stop:
			return nil
		}
	}
}
