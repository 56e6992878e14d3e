package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks live connections for observability, idle eviction,
// and shutdown. WebSocket sessions additionally live in the Hub; the
// registry sees only their underlying sockets.
type Registry struct {
	mu    sync.RWMutex
	conns map[uint64]*Connection

	accepted atomic.Uint64
	evicted  atomic.Uint64
}

func newRegistry() *Registry {
	return &Registry{conns: make(map[uint64]*Connection)}
}

func (r *Registry) add(c *Connection) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	r.accepted.Add(1)
}

func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()
}

// Get returns a live connection by id.
func (r *Registry) Get(id uint64) (*Connection, bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	return c, ok
}

// Range calls fn for every live connection until fn returns false. The
// set is a snapshot; connections may die while fn runs.
func (r *Registry) Range(fn func(*Connection) bool) {
	for _, c := range r.snapshot() {
		if !fn(c) {
			return
		}
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}

// Accepted returns the total connections accepted since start.
func (r *Registry) Accepted() uint64 { return r.accepted.Load() }

// Evicted returns the total idle evictions.
func (r *Registry) Evicted() uint64 { return r.evicted.Load() }

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}

// closeIdle shuts down connections with no traffic for longer than
// limit. Upgraded connections keep their own read deadlines and are
// skipped. Returns how many were evicted.
func (r *Registry) closeIdle(limit time.Duration) int {
	now := time.Now()
	n := 0
	for _, c := range r.snapshot() {
		if c.State() != stateActive || c.idleFor(now) <= limit {
			continue
		}
		c.shutdown()
		r.evicted.Add(1)
		n++
	}
	return n
}

// closeInactive shuts down connections that have nothing in flight.
// Used while draining: busy connections close themselves after their
// last response, idle ones would otherwise linger until a timeout.
func (r *Registry) closeInactive() {
	for _, c := range r.snapshot() {
		if c.State() == stateActive && len(c.window) == 0 {
			c.shutdown()
		}
	}
}

// closeAll force-terminates everything still open and reports how many
// connections that was.
func (r *Registry) closeAll() int {
	victims := r.snapshot()
	for _, c := range victims {
		c.shutdown()
	}
	return len(victims)
}
