// SPDX-License-Identifier: MIT

// Package gateway serves the WebSocket endpoint that streams progress
// events to clients. Each connection belongs to a user; users declare the
// set of projects they watch with sync_subscriptions frames, and the hub
// keeps exactly one refcounted broker subscription per watched channel no
// matter how many users share it. New subscriptions replay the durable
// snapshot so a reconnecting client is current before the next live event.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/progress"
)

const (
	// readDeadline bounds how long a connection may stay silent. Clients
	// ping every 25s, so two missed heartbeats close the connection.
	readDeadline = 60 * time.Second

	// writeTimeout is the per-frame send budget. A peer that cannot take a
	// frame within it is treated as gone.
	writeTimeout = 5 * time.Second

	// queueBound caps the per-connection outbound queue. Overflow drops the
	// oldest live progress frame first and keeps snapshots.
	queueBound = 256

	// maxFrameBytes caps inbound frames; subscription syncs are small.
	maxFrameBytes = 64 << 10

	snapshotTimeout  = 3 * time.Second
	resubscribeDelay = time.Second
)

// Hub owns all gateway state: connected users, their desired channel sets,
// and the refcounted broker subscriptions feeding them.
type Hub struct {
	bus      broker.Bus
	snaps    progress.Snapshots
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	users map[string]*user
	pumps map[progress.Channel]*pump
}

// user aggregates the connections of one user id. A user holds at most one
// live connection; a reconnect replaces the previous socket but keeps the
// desired channel set until the user goes away entirely.
type user struct {
	id       string
	conn     *conn
	channels map[progress.Channel]struct{}
	lastSent map[progress.Channel]float64
}

// pump tracks one refcounted broker subscription.
type pump struct {
	refs   int
	cancel context.CancelFunc
}

// New builds a hub on the given bus and snapshot store.
func New(bus broker.Bus, snaps progress.Snapshots) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		bus:    bus,
		snaps:  snaps,
		logger: log.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway carries no credentials and local tooling connects
			// from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		users:  make(map[string]*user),
		pumps:  make(map[progress.Channel]*pump),
	}
}

// ServeHTTP upgrades the request and runs the connection until the peer
// goes away or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		userID = "anon-" + uuid.NewString()
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug().Err(err).
			Str(log.FieldEvent, "gateway.upgrade_failed").
			Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		hub:    h,
		queue:  newOutQueue(),
	}
	c.logger = h.logger.With().
		Str(log.FieldConnID, c.id).
		Str(log.FieldUserID, userID).
		Logger()

	h.register(c)
	metrics.GatewayConnections.Inc()
	defer metrics.GatewayConnections.Dec()

	h.wg.Add(1)
	go c.writeLoop()
	c.readLoop()
	h.unregister(c)
}

// register binds the connection to its user, displacing any previous
// connection of the same user.
func (h *Hub) register(c *conn) {
	h.mu.Lock()
	u, ok := h.users[c.userID]
	if !ok {
		u = &user{
			id:       c.userID,
			channels: make(map[progress.Channel]struct{}),
			lastSent: make(map[progress.Channel]float64),
		}
		h.users[c.userID] = u
	}
	old := u.conn
	u.conn = c
	c.user = u
	h.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	c.logger.Info().Str(log.FieldEvent, "gateway.connected").Msg("client connected")
}

// unregister drops the connection. When it was the user's current one the
// user state goes with it and every held channel is released.
func (h *Hub) unregister(c *conn) {
	released := 0
	h.mu.Lock()
	if u := c.user; u != nil && u.conn == c {
		u.conn = nil
		for ch := range u.channels {
			h.releaseLocked(ch)
			released++
		}
		delete(h.users, u.id)
	}
	h.mu.Unlock()

	c.shutdown()
	c.logger.Info().
		Str(log.FieldEvent, "gateway.disconnected").
		Int("released", released).
		Msg("client disconnected")
}

// Close stops every pump, closes every connection, and waits for gateway
// goroutines to drain or ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.cancel()

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.users))
	for _, u := range h.users {
		if u.conn != nil {
			conns = append(conns, u.conn)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.Transient, ctx.Err(), "gateway drain")
	}
}
