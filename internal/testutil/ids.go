package testutil

import (
	"fmt"
	"sync"
)

// SequentialGenerator generates "<prefix>-1", "<prefix>-2", ... for tests.
//
// Unlike engine.FixedGenerator, it never runs out, which suits tests that
// create an unknown number of runs or envelopes.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialGenerator creates a generator for prefix.
//
// If prefix is empty, "test" is used.
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	if prefix == "" {
		prefix = "test"
	}
	return &SequentialGenerator{prefix: prefix}
}

// Generate returns the next identity.
//
// Implements engine.IDGenerator interface.
func (g *SequentialGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
