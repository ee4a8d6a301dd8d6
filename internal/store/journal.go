package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/relay/internal/engine"
	"github.com/roach88/relay/internal/trace"
)

// Journal buffers trace events for one run and writes them to the store
// in batches.
//
// Append is the sink handed to trace.WithSink and may be called from any
// goroutine. Flush drains the buffer in one transaction. A failed batch
// stays buffered and is retried on the next Flush.
type Journal struct {
	store  *Store
	runID  string
	logger *slog.Logger

	mu      sync.Mutex
	pending []trace.Event
	written int
	lastErr error
}

// NewJournal creates a journal for an existing run.
func NewJournal(s *Store, runID string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		store:  s,
		runID:  runID,
		logger: logger.With("run", runID),
	}
}

// RunID returns the run this journal writes to.
func (j *Journal) RunID() string {
	return j.runID
}

// Append buffers one event.
func (j *Journal) Append(ev trace.Event) {
	j.mu.Lock()
	j.pending = append(j.pending, ev)
	j.mu.Unlock()
}

// Pending returns the number of buffered events.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Written returns the number of events committed so far.
func (j *Journal) Written() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.written
}

// Err returns the error of the most recent failed flush, or nil once a
// later flush succeeds.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Flush writes all buffered events.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	batch := j.pending
	j.pending = nil
	j.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := j.store.WriteEvents(ctx, j.runID, batch)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		// Put the batch back ahead of anything appended meanwhile.
		j.pending = append(batch, j.pending...)
		j.lastErr = fmt.Errorf("journal flush: %w", err)
		j.logger.Warn("journal flush failed", "events", len(batch), "error", err)
		return j.lastErr
	}
	j.written += len(batch)
	j.lastErr = nil
	j.logger.Debug("journal flushed", "events", len(batch), "written", j.written)
	return nil
}

// FlushOrder returns a recurring order that flushes the journal every
// interval on the dispatcher goroutine. The caller activates it.
func (j *Journal) FlushOrder(interval time.Duration) *engine.ExecutableOrder {
	return engine.NewRecurringOrder("journal-flush", interval, func() {
		_ = j.Flush(context.Background())
	})
}

// Close flushes the remaining events and records the run's digest and
// stats. events is the complete trace of the run.
func (j *Journal) Close(ctx context.Context, events []trace.Event, st engine.Stats) (string, error) {
	if err := j.Flush(ctx); err != nil {
		return "", err
	}
	digest, err := trace.Digest(events)
	if err != nil {
		return "", fmt.Errorf("journal close: %w", err)
	}
	if err := j.store.FinishRun(ctx, j.runID, digest, st); err != nil {
		return "", fmt.Errorf("journal close: %w", err)
	}
	return digest, nil
}
