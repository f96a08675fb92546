// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
)

const dropLogEvery = 100

var errBusClosed = errors.New("broker: bus closed")

var memDropCount atomic.Uint64

// MemoryBus is the in-process fabric for standalone mode and tests. Delivery
// is at-most-once per subscriber: a full subscriber channel drops the
// message instead of blocking the publisher.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]*memSub
	queues map[string][][]byte
	wait   chan struct{}
	closed bool
}

// NewMemoryBus creates an empty in-process bus and queue fabric.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]*memSub),
		queues: make(map[string][][]byte),
		wait:   make(chan struct{}),
	}
}

// Publish fans the payload out to every subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	metrics.IncBusPublished(TopicClass(topic))

	// Deliver under the lock: sends never block and a concurrent Close
	// must not close a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[topic] {
		select {
		case s.ch <- Message{Topic: topic, Payload: payload}:
		default:
			metrics.IncBusDrop(TopicClass(topic), "subscriber_full")
			if n := memDropCount.Add(1); n%dropLogEvery == 0 {
				logger := log.WithComponent("broker")
				logger.Warn().
					Str("topic", topic).
					Uint64("dropped", n).
					Str(log.FieldEvent, "bus.drop").
					Msg("memory bus dropping messages for slow subscriber")
			}
		}
	}
	return nil
}

// Subscribe registers a new subscriber channel for topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &memSub{b: b, topic: topic, ch: make(chan Message, subBuffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}
	b.subs[topic] = append(b.subs[topic], s)
	return s, nil
}

// Push appends the payload to the named queue and wakes blocked Pops.
func (b *MemoryBus) Push(ctx context.Context, queue string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], payload)
	depth := len(b.queues[queue])
	close(b.wait)
	b.wait = make(chan struct{})
	b.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	return nil
}

// Pop returns the oldest message across queues, scanning in priority order.
func (b *MemoryBus) Pop(ctx context.Context, queues []string, block time.Duration) (string, []byte, error) {
	var deadline <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		deadline = t.C
	}

	for {
		b.mu.Lock()
		for _, q := range queues {
			if items := b.queues[q]; len(items) > 0 {
				payload := items[0]
				b.queues[q] = items[1:]
				depth := len(b.queues[q])
				b.mu.Unlock()
				metrics.QueueDepth.WithLabelValues(q).Set(float64(depth))
				return q, payload, nil
			}
		}
		wait := b.wait
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-deadline:
			return "", nil, nil
		case <-wait:
		}
	}
}

// Len reports the number of waiting messages in queue.
func (b *MemoryBus) Len(ctx context.Context, queue string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[queue])), nil
}

// Close tears down every subscription. Pending queue items are discarded.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	b.subs = make(map[string][]*memSub)
	b.queues = make(map[string][][]byte)
	return nil
}

type memSub struct {
	b     *MemoryBus
	topic string
	ch    chan Message
	once  sync.Once
}

func (s *memSub) C() <-chan Message { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if s.b.closed {
			return
		}
		lst := s.b.subs[s.topic]
		out := lst[:0]
		for _, c := range lst {
			if c != s {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.topic)
		} else {
			s.b.subs[s.topic] = out
		}
		close(s.ch)
	})
	return nil
}

var (
	_ Bus   = (*MemoryBus)(nil)
	_ Queue = (*MemoryBus)(nil)
)
