// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
)

// Dial parses a redis:// URL, applies connection timeouts and verifies the
// server responds before anything is built on top of the client.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("broker: parse url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broker: connect: %w", err)
	}
	return client, nil
}

// RedisBus implements Bus over PUBLISH/SUBSCRIBE and Queue over
// LPUSH/BRPOP. Multiple processes sharing one server see the same fabric.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBus wraps an already-dialed client. The caller keeps ownership of
// the client so snapshot storage can share the same connection pool.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		logger: log.WithComponent("broker"),
	}
}

// Publish sends the payload to every current subscriber of topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		metrics.IncBusDrop(TopicClass(topic), "publish_error")
		return fmt.Errorf("broker: publish %q: %w", topic, err)
	}
	metrics.IncBusPublished(TopicClass(topic))
	return nil
}

// Subscribe opens a dedicated pub/sub connection for topic and pumps its
// messages into a bounded channel. Slow consumers lose messages.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)

	// Force the SUBSCRIBE round-trip so connection errors surface here
	// instead of as a silently dead channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("broker: subscribe %q: %w", topic, err)
	}

	s := &redisSub{ps: ps, ch: make(chan Message, subBuffer)}
	go s.pump(topic, b.logger)
	return s, nil
}

// Push enqueues the payload at the head of queue; BRPOP drains the tail so
// delivery stays FIFO.
func (b *RedisBus) Push(ctx context.Context, queue string, payload []byte) error {
	depth, err := b.client.LPush(ctx, queue, payload).Result()
	if err != nil {
		return fmt.Errorf("broker: push %q: %w", queue, err)
	}
	metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	return nil
}

// Pop blocks up to block on all queues at once; earlier names win when
// several have messages.
func (b *RedisBus) Pop(ctx context.Context, queues []string, block time.Duration) (string, []byte, error) {
	res, err := b.client.BRPop(ctx, block, queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("broker: pop: %w", err)
	}
	if len(res) != 2 {
		return "", nil, fmt.Errorf("broker: pop: unexpected reply of %d elements", len(res))
	}
	return res[0], []byte(res[1]), nil
}

// Len reports the number of waiting messages in queue.
func (b *RedisBus) Len(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: len %q: %w", queue, err)
	}
	return n, nil
}

// Ping verifies the server is reachable. Used by readiness checks.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close shuts down the underlying client and with it every subscription.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Message
	once sync.Once
}

func (s *redisSub) pump(topic string, logger zerolog.Logger) {
	defer close(s.ch)
	for m := range s.ps.Channel(redis.WithChannelSize(subBuffer)) {
		select {
		case s.ch <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
		default:
			metrics.IncBusDrop(TopicClass(topic), "subscriber_full")
			logger.Warn().
				Str("topic", topic).
				Str(log.FieldEvent, "bus.drop").
				Msg("dropping message for slow subscriber")
		}
	}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

var (
	_ Bus   = (*RedisBus)(nil)
	_ Queue = (*RedisBus)(nil)
)
