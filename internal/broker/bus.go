// SPDX-License-Identifier: MIT

// Package broker abstracts the message fabric: pub/sub topics for progress
// fan-out and named lists for the worker queues. The Redis implementation
// backs multi-process deployments; the in-memory one backs standalone mode
// and tests with identical semantics.
package broker

import (
	"context"
	"strings"
	"time"
)

// Message is one delivered pub/sub payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a live pub/sub registration. C is closed after Close
// returns or when the underlying transport goes away.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Bus is the pub/sub transport. Publish is best-effort fire-and-forget;
// durable state never travels only through the bus.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Queue is the task transport. Pop blocks up to block across the given
// queues in priority order and returns ("", nil, nil) when nothing arrived.
// block == 0 blocks until a message arrives or ctx is done.
type Queue interface {
	Push(ctx context.Context, queue string, payload []byte) error
	Pop(ctx context.Context, queues []string, block time.Duration) (string, []byte, error)
	Len(ctx context.Context, queue string) (int64, error)
}

// subBuffer is the per-subscription channel depth. A subscriber that falls
// further behind loses messages rather than stalling the publisher.
const subBuffer = 64

// TopicClass reduces a topic to its first segment so metric label
// cardinality stays bounded (progress:project:<id> -> "progress").
func TopicClass(topic string) string {
	if topic == "" {
		return "unknown"
	}
	if i := strings.IndexByte(topic, ':'); i > 0 {
		return topic[:i]
	}
	return topic
}
