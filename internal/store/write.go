package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/relay/internal/engine"
	"github.com/roach88/relay/internal/trace"
)

// Run is one recorded dispatcher session.
type Run struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	StartedAt  time.Time    `json:"started_at"`
	Finished   bool         `json:"finished"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Digest     string       `json:"digest,omitempty"`
	Stats      engine.Stats `json:"stats"`
	EventCount int          `json:"event_count"`
}

// BeginRun inserts a run row. Uses ON CONFLICT(id) DO NOTHING for
// idempotency: re-beginning an existing run is a no-op.
func (s *Store) BeginRun(ctx context.Context, id, name string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, name, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun records the trace digest and final counters of a run, and
// stamps the finish time. The time is informational, like started_at.
func (s *Store) FinishRun(ctx context.Context, id, digest string, st engine.Stats) error {
	statsJSON, err := marshalStats(st)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished = 1, finished_at = ?, digest = ?, stats = ?
		WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), digest, statsJSON, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %q: %w", id, ErrRunNotFound)
	}
	return nil
}

// WriteEvents appends events to a run in one transaction.
// Uses ON CONFLICT DO NOTHING for idempotency - a retried batch is ignored.
//
// Note: The run must exist (foreign key constraint).
func (s *Store) WriteEvents(ctx context.Context, runID string, events []trace.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write events: begin: %w", err)
	}
	defer tx.Rollback() // no-op after Commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lifecycle_events
		(run_id, seq, at_ms, kind, envelope, cmd, count, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write events: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			runID,
			ev.Seq,
			ev.AtMillis,
			string(ev.Kind),
			ev.Envelope,
			ev.Command,
			ev.Count,
			ev.Detail,
		); err != nil {
			return fmt.Errorf("write events: seq %d: %w", ev.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write events: commit: %w", err)
	}
	return nil
}
