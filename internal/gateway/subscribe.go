// SPDX-License-Identifier: MIT

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/progress"
)

// syncSubscriptions reconciles the user's desired channel set with the ids
// of a sync_subscriptions frame. Invalid ids are reported on the connection
// and skipped; they never abort the sync. An unchanged set is a no-op.
func (h *Hub) syncSubscriptions(c *conn, projectIDs []string) {
	desired := make(map[progress.Channel]struct{}, len(projectIDs))
	for _, id := range projectIDs {
		ch, err := progress.Normalize(id)
		if err != nil {
			c.sendError(fmt.Sprintf("invalid project id %q", id))
			continue
		}
		desired[ch] = struct{}{}
	}

	h.mu.Lock()
	u := c.user
	if u == nil || u.conn != c {
		// A replacement connection raced us; the frame belongs to a socket
		// that is already gone.
		h.mu.Unlock()
		return
	}
	var added, removed []progress.Channel
	for ch := range desired {
		if _, ok := u.channels[ch]; !ok {
			added = append(added, ch)
		}
	}
	for ch := range u.channels {
		if _, ok := desired[ch]; !ok {
			removed = append(removed, ch)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		h.mu.Unlock()
		c.logger.Debug().
			Str(log.FieldEvent, "gateway.subscriptions_unchanged").
			Int("channels", len(desired)).
			Msg("subscriptions unchanged")
		return
	}
	u.channels = desired
	for _, ch := range added {
		h.retainLocked(ch)
	}
	for _, ch := range removed {
		h.releaseLocked(ch)
		delete(u.lastSent, ch)
	}
	h.mu.Unlock()

	for _, ch := range added {
		h.replaySnapshot(c, ch)
	}
	c.logger.Info().
		Str(log.FieldEvent, "gateway.subscriptions_synced").
		Int("added", len(added)).
		Int("removed", len(removed)).
		Int("channels", len(desired)).
		Msg("subscriptions synced")
}

// retainLocked bumps the channel's refcount, starting its pump on first
// use. The broker subscribe happens inside the pump goroutine, never under
// the hub lock.
func (h *Hub) retainLocked(ch progress.Channel) {
	if p, ok := h.pumps[ch]; ok {
		p.refs++
		return
	}
	pctx, pcancel := context.WithCancel(h.ctx)
	h.pumps[ch] = &pump{refs: 1, cancel: pcancel}
	metrics.GatewaySubscriptionChurn.WithLabelValues("subscribe").Inc()
	h.wg.Add(1)
	go h.runPump(pctx, ch)
}

// releaseLocked drops one reference and stops the pump at zero.
func (h *Hub) releaseLocked(ch progress.Channel) {
	p, ok := h.pumps[ch]
	if !ok {
		return
	}
	p.refs--
	if p.refs > 0 {
		return
	}
	delete(h.pumps, ch)
	p.cancel()
	metrics.GatewaySubscriptionChurn.WithLabelValues("unsubscribe").Inc()
}

// runPump owns the broker subscription for one channel and survives
// transport hiccups by resubscribing until released.
func (h *Hub) runPump(ctx context.Context, ch progress.Channel) {
	defer h.wg.Done()
	logger := h.logger.With().Str(log.FieldChannel, string(ch)).Logger()
	for {
		sub, err := h.bus.Subscribe(ctx, string(ch))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).
				Str(log.FieldEvent, "gateway.subscribe_failed").
				Msg("broker subscribe failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
			continue
		}
		h.pumpEvents(ctx, ch, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Debug().
			Str(log.FieldEvent, "gateway.resubscribe").
			Msg("subscription ended, resubscribing")
	}
}

func (h *Hub) pumpEvents(ctx context.Context, ch progress.Channel, sub broker.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.C():
			if !ok {
				return
			}
			var ev progress.Event
			if err := json.Unmarshal(m.Payload, &ev); err != nil {
				h.logger.Warn().Err(err).
					Str(log.FieldChannel, string(ch)).
					Str(log.FieldEvent, "gateway.bad_event").
					Msg("undecodable progress event")
				continue
			}
			h.fanOut(ch, ev)
		}
	}
}

// fanOut enqueues a live event to every user watching the channel. Frames
// whose percent regressed below the user's high-water mark are dropped;
// terminal ERROR frames pass through and clear the mark so a retried run
// may report low percentages again.
func (h *Hub) fanOut(ch progress.Channel, ev progress.Event) {
	frame := frameFor(ev, false)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range h.users {
		if _, ok := u.channels[ch]; !ok {
			continue
		}
		c := u.conn
		if c == nil {
			continue
		}
		if ev.Stage == progress.StageError {
			delete(u.lastSent, ch)
		} else {
			if last, ok := u.lastSent[ch]; ok && frame.Percent < last {
				metrics.GatewayFramesDropped.WithLabelValues("stale_percent").Inc()
				continue
			}
			u.lastSent[ch] = frame.Percent
		}
		c.queue.push(queuedFrame{kind: frameProgress, snapshot: false, payload: frame})
	}
}

// replaySnapshot sends the channel's durable snapshot, if any, to one
// connection. Snapshot frames bypass the monotonicity check.
func (h *Hub) replaySnapshot(c *conn, ch progress.Channel) {
	ctx, cancel := context.WithTimeout(h.ctx, snapshotTimeout)
	defer cancel()
	ev, ok, err := h.snaps.Get(ctx, ch)
	if err != nil {
		c.logger.Warn().Err(err).
			Str(log.FieldChannel, string(ch)).
			Str(log.FieldEvent, "gateway.snapshot_miss").
			Msg("snapshot load failed")
		return
	}
	if !ok {
		return
	}
	c.queue.push(queuedFrame{kind: frameProgress, snapshot: true, payload: frameFor(*ev, true)})
	metrics.GatewaySnapshotReplays.Inc()
}
