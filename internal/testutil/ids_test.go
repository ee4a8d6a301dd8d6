package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/relay/internal/engine"
)

var _ engine.IDGenerator = (*SequentialGenerator)(nil)

func TestSequentialGenerator_Increments(t *testing.T) {
	gen := NewSequentialGenerator("run")

	assert.Equal(t, "run-1", gen.Generate())
	assert.Equal(t, "run-2", gen.Generate())
	assert.Equal(t, "run-3", gen.Generate())
}

func TestSequentialGenerator_EmptyPrefixDefault(t *testing.T) {
	gen := NewSequentialGenerator("")

	assert.Equal(t, "test-1", gen.Generate())
}

func TestSequentialGenerator_ConcurrentUnique(t *testing.T) {
	gen := NewSequentialGenerator("ev")
	const goroutines = 8
	const perGoroutine = 50

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := gen.Generate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}
