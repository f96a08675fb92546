// SPDX-License-Identifier: MIT

package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/progress"
)

// Frame type tags on the wire.
const (
	frameProgress = "progress"
	framePong     = "pong"
	frameError    = "error"

	frameSync = "sync_subscriptions"
	framePing = "ping"
)

// Coarse run status derived from stage and percent.
const (
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

// clientFrame is anything a client may send.
type clientFrame struct {
	Type       string   `json:"type"`
	ProjectIDs []string `json:"project_ids,omitempty"`
}

// progressFrame is the client-facing shape of a progress event. Internal
// fields like the publish timestamp stay server-side.
type progressFrame struct {
	Type      string  `json:"type"`
	ProjectID string  `json:"project_id"`
	Stage     string  `json:"stage"`
	Percent   float64 `json:"percent"`
	Message   string  `json:"message,omitempty"`
	Status    string  `json:"status"`
	Snapshot  bool    `json:"snapshot,omitempty"`
}

// controlFrame covers pong and error replies.
type controlFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func frameFor(ev progress.Event, snapshot bool) progressFrame {
	return progressFrame{
		Type:      frameProgress,
		ProjectID: ev.ProjectID,
		Stage:     ev.Stage,
		Percent:   ev.Percent,
		Message:   ev.Message,
		Status:    statusFor(ev),
		Snapshot:  snapshot,
	}
}

// statusFor maps stage plus percent onto the coarse client status.
func statusFor(ev progress.Event) string {
	switch {
	case ev.Stage == progress.StageError && strings.Contains(strings.ToLower(ev.Message), "cancel"):
		return statusCancelled
	case ev.Stage == progress.StageError:
		return statusFailed
	case ev.Stage == "DONE" || ev.Percent >= 100:
		return statusCompleted
	default:
		return statusRunning
	}
}

// queuedFrame is one outbound frame awaiting the writer.
type queuedFrame struct {
	kind     string
	snapshot bool
	payload  any
}

// conn is one WebSocket connection. The reader runs on the HTTP handler
// goroutine; a dedicated writer drains the bounded queue so one slow peer
// never blocks fan-out.
type conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	hub    *Hub
	user   *user
	queue  *outQueue
	logger zerolog.Logger
	once   sync.Once
}

// readLoop consumes client frames until the peer goes away or the read
// deadline lapses. Any inbound traffic refreshes the deadline.
func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).
					Str(log.FieldEvent, "gateway.read_ended").
					Msg("connection read ended")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError("malformed frame")
			continue
		}
		switch f.Type {
		case framePing:
			c.queue.push(queuedFrame{kind: framePong, payload: controlFrame{Type: framePong}})
		case frameSync:
			c.hub.syncSubscriptions(c, f.ProjectIDs)
		default:
			c.sendError(fmt.Sprintf("unknown frame type %q", f.Type))
		}
	}
}

// writeLoop drains the outbound queue. A failed or timed-out write closes
// the connection; the peer is expected to reconnect and resync.
func (c *conn) writeLoop() {
	defer c.hub.wg.Done()
	for {
		f, ok := c.queue.next()
		if !ok {
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteJSON(f.payload); err != nil {
			metrics.GatewayFramesDropped.WithLabelValues("send_timeout").Inc()
			c.logger.Debug().Err(err).
				Str(log.FieldEvent, "gateway.write_failed").
				Msg("write failed, closing connection")
			c.shutdown()
			return
		}
		metrics.GatewayFramesSent.WithLabelValues(f.kind).Inc()
	}
}

func (c *conn) sendError(msg string) {
	c.queue.push(queuedFrame{kind: frameError, payload: controlFrame{Type: frameError, Message: msg}})
}

// shutdown closes the socket and wakes the writer. Idempotent.
func (c *conn) shutdown() {
	c.once.Do(func() {
		c.queue.close()
		deadline := time.Now().Add(writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		_ = c.ws.Close()
	})
}

// outQueue is the bounded outbound frame queue. push never blocks: at the
// bound it evicts the oldest live progress frame, keeping snapshots and
// control frames as long as possible.
type outQueue struct {
	mu     sync.Mutex
	items  []queuedFrame
	wake   chan struct{}
	closed bool
}

func newOutQueue() *outQueue {
	return &outQueue{wake: make(chan struct{}, 1)}
}

func (q *outQueue) push(f queuedFrame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.items) >= queueBound {
		q.evictLocked()
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// evictLocked removes the oldest non-snapshot progress frame, falling back
// to the oldest progress frame and finally the queue head.
func (q *outQueue) evictLocked() {
	idx := -1
	for i, it := range q.items {
		if it.kind == frameProgress && !it.snapshot {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i, it := range q.items {
			if it.kind == frameProgress {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		idx = 0
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	metrics.GatewayFramesDropped.WithLabelValues("queue_full").Inc()
}

// next blocks until a frame is available or the queue closes. It returns
// false immediately on close, leaving any queued frames behind.
func (q *outQueue) next() (queuedFrame, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return queuedFrame{}, false
		}
		if len(q.items) > 0 {
			f := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
