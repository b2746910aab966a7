// Package server accepts game clients, assigns each one a serial execution
// loop and a connection engine, drives per-tick maintenance across the live
// connections, and serves a cached status response.
package server

import (
	"github.com/cyberinferno/go-gamenet/connection"
	"github.com/cyberinferno/go-gamenet/logger"
	"github.com/cyberinferno/go-gamenet/safemap"
)

// Registry tracks the server's live connections by ID. It implements
// connection.Registry, so a connection that closes removes itself here. All
// methods are safe for concurrent use.
type Registry struct {
	log   logger.Logger
	conns *safemap.SafeMap[uint32, *connection.Connection]
}

// NewRegistry creates an empty registry.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		log:   log,
		conns: safemap.New[uint32, *connection.Connection](),
	}
}

// Add stores c under its ID.
func (r *Registry) Add(c *connection.Connection) {
	r.conns.Store(c.ID(), c)
}

// Get returns the connection with the given id, if present.
func (r *Registry) Get(id uint32) (*connection.Connection, bool) {
	return r.conns.Load(id)
}

// Remove implements connection.Registry. A connection re-notifies on every
// post-close operation, so removing one that already left is a no-op. Only
// the registered instance can remove its entry.
func (r *Registry) Remove(c *connection.Connection) {
	if r.conns.CompareAndDelete(c.ID(), c) {
		r.log.Debug("connection removed from registry",
			logger.Field{Key: "id", Value: c.ID()})
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return r.conns.Len()
}

// Range calls fn for each live connection until fn returns false. fn may
// close connections, and with that remove them, without deadlocking the
// iteration.
func (r *Registry) Range(fn func(c *connection.Connection) bool) {
	r.conns.Range(func(_ uint32, c *connection.Connection) bool {
		return fn(c)
	})
}

// CloseAll closes every live connection with the given reason.
func (r *Registry) CloseAll(reason string) {
	r.Range(func(c *connection.Connection) bool {
		c.Close(reason, true)
		return true
	})
}
