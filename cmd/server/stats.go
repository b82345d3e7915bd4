package main

import (
	"context"
	"time"

	"github.com/matst80/remotecam/internal/obs"
	"github.com/matst80/remotecam/internal/server"
	"github.com/matst80/remotecam/internal/stats"
)

// State represents current server state for dashboards & API.
type State struct {
	Server server.Status  `json:"server"`
	Stats  stats.Snapshot `json:"stats"`
	Now    string         `json:"now"`
}

func collectState(ctx context.Context, srv *server.Server, store stats.Store) State {
	st := State{Server: srv.Status(), Now: time.Now().UTC().Format(time.RFC3339)}
	snap, err := store.Snapshot(ctx)
	if err != nil {
		obs.Warn("stats.snapshot", obs.Fields{"err": err})
	}
	st.Stats = snap
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s State) ToTemplateMap() map[string]any {
	m := map[string]any{
		"State":      s.Server.State,
		"Paused":     s.Server.Paused,
		"Waiting":    s.Server.Waiting,
		"Captures":   s.Stats.Captures,
		"Delivered":  s.Stats.Delivered,
		"Failed":     s.Stats.FocusFailed + s.Stats.CaptureFailed,
		"ImagesSent": s.Stats.ImagesSent,
		"BytesSent":  s.Stats.BytesSent,
	}
	if s.Stats.LastEvent != nil {
		m["LastEvent"] = s.Stats.LastEvent
	}
	return m
}
