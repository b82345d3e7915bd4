// Package registry tracks connections waiting for a capture result.
package registry

import (
	"io"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Conn is the part of a client connection the registry and delivery need.
// net.Conn satisfies it.
type Conn interface {
	io.WriteCloser
	RemoteAddr() net.Addr
}

// Registry is a mutex-guarded list of connections. Add, DrainAll, ForEach
// and Remove are mutually exclusive. DrainAll returns connections in
// insertion order.
type Registry struct {
	mu    sync.Mutex
	conns []Conn
	gauge prometheus.Gauge
}

// New returns an empty registry. gauge, if non-nil, tracks Len.
func New(gauge prometheus.Gauge) *Registry {
	return &Registry{gauge: gauge}
}

// Add inserts c unconditionally.
func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, c)
	r.setGauge()
}

// DrainAll removes and returns every registered connection. The caller owns
// the returned connections.
func (r *Registry) DrainAll() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.conns
	r.conns = nil
	r.setGauge()
	return out
}

// ForEach calls fn for every registered connection without removing it.
// fn runs with the registry locked and must not call back into r.
func (r *Registry) ForEach(fn func(Conn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		fn(c)
	}
}

// Remove deletes c if present and reports whether it was found.
func (r *Registry) Remove(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.conns {
		if existing == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			r.setGauge()
			return true
		}
	}
	return false
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll drains the registry and closes every connection without writing
// to it. It returns the number of connections closed.
func (r *Registry) CloseAll() int {
	conns := r.DrainAll()
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

func (r *Registry) setGauge() {
	if r.gauge != nil {
		r.gauge.Set(float64(len(r.conns)))
	}
}
