package engine

import (
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces identities for envelopes, dispatchers and journal runs.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identities.
//
// UUIDv7 embeds a timestamp in the most significant bits, so journal runs
// and envelope names sort by creation time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined identities for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, to catch a test that creates more
// identities than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// NewPairedEnvelopes creates two envelopes named from gen and pairs them
// as opponents.
func NewPairedEnvelopes(gen IDGenerator, opts ...EnvelopeOption) (*Envelope, *Envelope) {
	a := NewEnvelope(gen.Generate(), opts...)
	b := NewEnvelope(gen.Generate(), opts...)
	// Fresh envelopes cannot already be paired.
	_ = Pair(a, b)
	return a, b
}
