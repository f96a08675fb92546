// SPDX-License-Identifier: MIT

package progress

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/localkv"
)

// Snapshots persists the most recent event per channel so reconnecting
// clients can be brought up to date without waiting for the next live event.
type Snapshots interface {
	Put(ctx context.Context, ch Channel, ev Event, ttl time.Duration) error
	Get(ctx context.Context, ch Channel) (*Event, bool, error)
}

func snapshotKey(ch Channel) string { return "progress:last:" + string(ch) }

// RedisSnapshots stores snapshots as hashes with a TTL.
type RedisSnapshots struct {
	client *redis.Client
}

// NewRedisSnapshots wraps an existing client; the caller keeps ownership.
func NewRedisSnapshots(client *redis.Client) *RedisSnapshots {
	return &RedisSnapshots{client: client}
}

func (s *RedisSnapshots) Put(ctx context.Context, ch Channel, ev Event, ttl time.Duration) error {
	key := snapshotKey(ch)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"project_id":   ev.ProjectID,
		"stage":        ev.Stage,
		"percent":      strconv.FormatFloat(ev.Percent, 'f', -1, 64),
		"message":      ev.Message,
		"timestamp_ms": strconv.FormatInt(ev.TimestampMS, 10),
	})
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.Transient, err, "store snapshot")
	}
	return nil
}

func (s *RedisSnapshots) Get(ctx context.Context, ch Channel) (*Event, bool, error) {
	fields, err := s.client.HGetAll(ctx, snapshotKey(ch)).Result()
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Transient, err, "load snapshot")
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	ev := Event{
		ProjectID: fields["project_id"],
		Stage:     fields["stage"],
		Message:   fields["message"],
	}
	if v, err := strconv.ParseFloat(fields["percent"], 64); err == nil {
		ev.Percent = v
	}
	if v, err := strconv.ParseInt(fields["timestamp_ms"], 10, 64); err == nil {
		ev.TimestampMS = v
	}
	return &ev, true, nil
}

// LocalSnapshots stores snapshots in the embedded badger KV, for standalone
// deployments with no Redis.
type LocalSnapshots struct {
	kv *localkv.Store
}

func NewLocalSnapshots(kv *localkv.Store) *LocalSnapshots {
	return &LocalSnapshots{kv: kv}
}

func (s *LocalSnapshots) Put(ctx context.Context, ch Channel, ev Event, ttl time.Duration) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode snapshot")
	}
	return s.kv.Set(ctx, snapshotKey(ch), data, ttl)
}

func (s *LocalSnapshots) Get(ctx context.Context, ch Channel) (*Event, bool, error) {
	data, ok, err := s.kv.Get(ctx, snapshotKey(ch))
	if err != nil || !ok {
		return nil, false, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, apperr.Wrap(apperr.Internal, err, "decode snapshot")
	}
	return &ev, true, nil
}
