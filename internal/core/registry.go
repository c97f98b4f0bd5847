package core

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skillbridge/realtime-server/internal/metrics"
)

// Registry tracks every open socket connection by handle. It owns the Conn
// records; on unregister it triggers the cascading cleanup hooks the managers
// install, each hook being a no-op if the membership is already absent.
type Registry struct {
	log       *zerolog.Logger
	queueSize int

	mu       sync.RWMutex
	conns    map[string]*Conn
	cleanups []func(*Conn)
}

// NewRegistry builds a registry whose connections carry outbound queues of
// the given size.
func NewRegistry(logger *zerolog.Logger, queueSize int) *Registry {
	return &Registry{
		log:       logger,
		queueSize: queueSize,
		conns:     make(map[string]*Conn),
	}
}

// OnCleanup installs a hook run once per connection during unregistration.
// Hooks must be installed before the server starts accepting connections.
func (r *Registry) OnCleanup(hook func(*Conn)) {
	r.cleanups = append(r.cleanups, hook)
}

// Register creates and tracks a connection record for a new socket.
func (r *Registry) Register() *Conn {
	conn := newConn(uuid.NewString(), r.queueSize)
	conn.overflow = func(c *Conn) {
		r.log.Warn().Str("handle", c.handle).Msg("outbound queue overflow, dropping connection")
		go r.Unregister(c.handle)
	}

	r.mu.Lock()
	r.conns[conn.handle] = conn
	r.mu.Unlock()

	metrics.ConnectionsOpen.Inc()
	r.log.Debug().Str("handle", conn.handle).Msg("connection registered")
	return conn
}

// Get returns the connection for a handle.
func (r *Registry) Get(handle string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[handle]
	return conn, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ForEach calls fn for a snapshot of all registered connections.
func (r *Registry) ForEach(fn func(*Conn)) {
	r.mu.RLock()
	snapshot := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}

// Unregister removes a connection and runs its cleanup cascade. Safe to call
// multiple times for the same handle; cleanup runs exactly once.
func (r *Registry) Unregister(handle string) {
	r.mu.Lock()
	conn, ok := r.conns[handle]
	if ok {
		delete(r.conns, handle)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	metrics.ConnectionsOpen.Dec()
	conn.cleanup(r.cleanups)
	r.log.Debug().Str("handle", handle).Msg("connection unregistered")
}
