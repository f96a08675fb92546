// SPDX-License-Identifier: MIT

// Package progress is the fabric carrying pipeline progress to clients:
// best-effort pub/sub fan-out plus a durable last-event snapshot per
// channel that reconnecting clients replay.
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/log"
)

// StageError marks a failed or cancelled run in progress events; it is not
// a pipeline stage.
const StageError = "ERROR"

// DefaultSnapshotTTL keeps snapshots for a day unless configured otherwise.
const DefaultSnapshotTTL = 24 * time.Hour

var validStages = map[string]struct{}{
	"INGEST":    {},
	"SUBTITLE":  {},
	"ANALYZE":   {},
	"HIGHLIGHT": {},
	"EXPORT":    {},
	"DONE":      {},
	StageError:  {},
}

// ValidStage reports whether s may appear in a progress event.
func ValidStage(s string) bool {
	_, ok := validStages[s]
	return ok
}

// Update is the publisher's input.
type Update struct {
	ProjectID string
	Stage     string
	Percent   float64
	Message   string
}

// Event is the wire form, both the pub/sub payload and the snapshot.
// Snapshot is false on live events; the gateway sets it when replaying.
type Event struct {
	ProjectID   string  `json:"project_id"`
	Stage       string  `json:"stage"`
	Percent     float64 `json:"percent"`
	Message     string  `json:"message,omitempty"`
	TimestampMS int64   `json:"timestamp_ms"`
	Snapshot    bool    `json:"snapshot,omitempty"`
}

// Publisher writes the snapshot and fans the event out on the bus.
type Publisher struct {
	bus    broker.Bus
	snaps  Snapshots
	ttl    time.Duration
	logger zerolog.Logger

	mu   sync.Mutex
	high map[string]float64
}

// NewPublisher builds a publisher. snapshotTTL <= 0 means DefaultSnapshotTTL.
func NewPublisher(bus broker.Bus, snaps Snapshots, snapshotTTL time.Duration) *Publisher {
	if snapshotTTL <= 0 {
		snapshotTTL = DefaultSnapshotTTL
	}
	return &Publisher{
		bus:    bus,
		snaps:  snaps,
		ttl:    snapshotTTL,
		logger: log.WithComponent("progress"),
		high:   make(map[string]float64),
	}
}

// Publish validates the update, clamps percent, enforces per-project
// monotonicity (ERROR passes through), writes the snapshot, and publishes
// on the channel topic. The snapshot is the durable truth; a pub/sub miss
// only warns.
func (p *Publisher) Publish(ctx context.Context, u Update) error {
	ch, err := Normalize(u.ProjectID)
	if err != nil {
		return err
	}
	if !ValidStage(u.Stage) {
		return apperr.Newf(apperr.InvalidArgument, "unknown progress stage %q", u.Stage)
	}

	percent := clamp(u.Percent)
	projectID := ch.ProjectID()
	if u.Stage != StageError {
		p.mu.Lock()
		if prev, ok := p.high[projectID]; ok && percent < prev {
			percent = prev
		}
		p.high[projectID] = percent
		p.mu.Unlock()
	}

	ev := Event{
		ProjectID:   projectID,
		Stage:       u.Stage,
		Percent:     percent,
		Message:     u.Message,
		TimestampMS: time.Now().UnixMilli(),
	}

	if err := p.snaps.Put(ctx, ch, ev, p.ttl); err != nil {
		return apperr.Wrap(apperr.Transient, err, "write progress snapshot")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode progress event")
	}
	if err := p.bus.Publish(ctx, string(ch), payload); err != nil {
		p.logger.Warn().Err(err).
			Str(log.FieldProjectID, projectID).
			Str(log.FieldStage, u.Stage).
			Str(log.FieldEvent, "progress.publish_miss").
			Msg("progress fan-out failed, snapshot written")
	}
	return nil
}

// Forget drops the monotonicity state for a project. Called when a run
// starts so a retry may report low percentages again.
func (p *Publisher) Forget(projectID string) {
	p.mu.Lock()
	delete(p.high, projectID)
	p.mu.Unlock()
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
