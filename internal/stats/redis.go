package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matst80/remotecam/internal/proto"
	"github.com/redis/go-redis/v9"
)

const (
	KeyStats     = "remotecam:stats"
	KeyLastEvent = "remotecam:last_event"
	ChanEvents   = "remotecam:events"
)

// RedisStore keeps totals in a Redis hash and publishes every event on
// ChanEvents.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration // expiry of the last event key
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreFromClient(rdb), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{client: rdb, ttl: 7 * 24 * time.Hour}
}

func (r *RedisStore) RecordEvent(ctx context.Context, ev proto.CaptureEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal capture event: %w", err)
	}
	n := sent(ev)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, KeyStats, "captures", 1)
		p.HIncrBy(ctx, KeyStats, ev.Status, 1)
		if n > 0 {
			p.HIncrBy(ctx, KeyStats, "images_sent", n)
			p.HIncrBy(ctx, KeyStats, "bytes_sent", n*int64(ev.Bytes))
		}
		p.Set(ctx, KeyLastEvent, data, r.ttl)
		p.Publish(ctx, ChanEvents, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record event: %w", err)
	}
	return nil
}

func (r *RedisStore) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	fields, err := r.client.HGetAll(ctx, KeyStats).Result()
	if err != nil {
		return snap, fmt.Errorf("redis stats: %w", err)
	}
	get := func(name string) int64 {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return v
	}
	snap.Captures = get("captures")
	snap.Delivered = get(proto.StatusDelivered)
	snap.FocusFailed = get(proto.StatusFocusFailed)
	snap.CaptureFailed = get(proto.StatusCaptureFailed)
	snap.NoClients = get(proto.StatusNoClients)
	snap.Aborted = get(proto.StatusAborted)
	snap.ImagesSent = get("images_sent")
	snap.BytesSent = get("bytes_sent")

	val, err := r.client.Get(ctx, KeyLastEvent).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return snap, nil
	case err != nil:
		return snap, fmt.Errorf("redis last event: %w", err)
	}
	var ev proto.CaptureEvent
	if err := json.Unmarshal([]byte(val), &ev); err != nil {
		return snap, fmt.Errorf("unmarshal last event: %w", err)
	}
	snap.LastEvent = &ev
	return snap, nil
}

// Subscribe returns a subscription to published capture events.
func (r *RedisStore) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, ChanEvents)
}

func (r *RedisStore) Close() error { return r.client.Close() }
