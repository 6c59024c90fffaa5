// Package ids generates monotonically increasing, collision-free integer
// identifiers for candidates within one engine process. Event sequence
// numbers are assigned by the event log, not here.
package ids

import "sync/atomic"

// Generator hands out strictly increasing int64 values starting at the
// seed passed to NewGenerator.
// The zero value is not usable; construct with NewGenerator.
type Generator struct {
	counter atomic.Int64
}

// NewGenerator seeds a Generator so the first call to Next returns seed.
// The Runtime seeds it from 1 + the highest candidate id recorded in the
// event log at startup so restarts never reuse an id already present in
// the log.
func NewGenerator(seed int64) *Generator {
	g := &Generator{}
	g.counter.Store(seed - 1)
	return g
}

// Next returns the next id in the sequence.
func (g *Generator) Next() int64 {
	return g.counter.Add(1)
}

// Peek returns the id that would be produced by the next call to Next,
// without consuming it. Used by tests and status reporting only.
func (g *Generator) Peek() int64 {
	return g.counter.Load() + 1
}
