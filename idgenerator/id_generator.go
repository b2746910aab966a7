// Package idgenerator hands out connection identifiers. IDs are never
// reused within a process, which lets registries treat an ID as naming one
// connection for the server's whole lifetime.
package idgenerator

import "sync/atomic"

// Generator produces monotonically increasing uint32 IDs and is safe for
// concurrent use.
type Generator struct {
	id atomic.Uint32
}

// New creates a Generator whose first Next returns start+1.
//
// Parameters:
//   - start: The value the counter is initialized to
//
// Returns:
//   - A new Generator
func New(start uint32) *Generator {
	g := &Generator{}
	g.id.Store(start)
	return g
}

// Next returns the next ID.
func (g *Generator) Next() uint32 {
	return g.id.Add(1)
}
