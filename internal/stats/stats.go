// Package stats keeps running totals of capture cycles, either in memory or
// in Redis so several instances can share a dashboard.
package stats

import (
	"context"
	"sync"

	"github.com/matst80/remotecam/internal/obs"
	"github.com/matst80/remotecam/internal/proto"
)

// Snapshot is the view served by /api/state.
type Snapshot struct {
	Captures      int64               `json:"captures"`
	Delivered     int64               `json:"delivered"`
	FocusFailed   int64               `json:"focus_failed"`
	CaptureFailed int64               `json:"capture_failed"`
	NoClients     int64               `json:"no_clients"`
	Aborted       int64               `json:"aborted"`
	ImagesSent    int64               `json:"images_sent"`
	BytesSent     int64               `json:"bytes_sent"`
	LastEvent     *proto.CaptureEvent `json:"last_event,omitempty"`
}

// Store records capture events.
type Store interface {
	RecordEvent(ctx context.Context, ev proto.CaptureEvent) error
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

// New returns a Redis-backed store when redisAddr is set, otherwise an
// in-memory one.
func New(ctx context.Context, redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		obs.Info("stats.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(), nil
	}
	obs.Info("stats.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedisStore(ctx, redisAddr, redisPassword, redisDB)
}

// sent returns the number of connections that received the image.
func sent(ev proto.CaptureEvent) int64 {
	if ev.Status != proto.StatusDelivered {
		return 0
	}
	return int64(ev.Clients - ev.Failed)
}

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) RecordEvent(_ context.Context, ev proto.CaptureEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.snap
	s.Captures++
	switch ev.Status {
	case proto.StatusDelivered:
		s.Delivered++
	case proto.StatusFocusFailed:
		s.FocusFailed++
	case proto.StatusCaptureFailed:
		s.CaptureFailed++
	case proto.StatusNoClients:
		s.NoClients++
	case proto.StatusAborted:
		s.Aborted++
	}
	n := sent(ev)
	s.ImagesSent += n
	s.BytesSent += n * int64(ev.Bytes)
	last := ev
	s.LastEvent = &last
	return nil
}

func (m *MemoryStore) Snapshot(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snap
	if out.LastEvent != nil {
		ev := *out.LastEvent
		out.LastEvent = &ev
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
