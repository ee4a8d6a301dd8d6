package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/relay/internal/trace"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// ListRuns returns every run, oldest first.
// Ties on started_at are broken by id for deterministic output.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.started_at, r.finished, r.finished_at, r.digest, r.stats,
		       (SELECT COUNT(*) FROM lifecycle_events e WHERE e.run_id = r.id)
		FROM runs r
		ORDER BY r.started_at ASC, r.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun returns a run and its events ordered by seq.
// Returns ErrRunNotFound if the run does not exist.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, []trace.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.name, r.started_at, r.finished, r.finished_at, r.digest, r.stats,
		       (SELECT COUNT(*) FROM lifecycle_events e WHERE e.run_id = r.id)
		FROM runs r
		WHERE r.id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, nil, fmt.Errorf("read run %q: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, nil, err
	}

	events, err := s.queryEvents(ctx, `
		SELECT seq, at_ms, kind, envelope, cmd, count, detail
		FROM lifecycle_events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return Run{}, nil, err
	}
	return run, events, nil
}

// EnvelopeHistory returns the events of one envelope within a run, by seq.
func (s *Store) EnvelopeHistory(ctx context.Context, runID, envelope string) ([]trace.Event, error) {
	return s.queryEvents(ctx, `
		SELECT seq, at_ms, kind, envelope, cmd, count, detail
		FROM lifecycle_events
		WHERE run_id = ? AND envelope = ?
		ORDER BY seq ASC
	`, runID, envelope)
}

// KindCounts returns how many events of each kind a run recorded.
func (s *Store) KindCounts(ctx context.Context, runID string) (map[trace.Kind]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*)
		FROM lifecycle_events
		WHERE run_id = ?
		GROUP BY kind
		ORDER BY kind COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query kind counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[trace.Kind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		counts[trace.Kind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kind counts: %w", err)
	}
	return counts, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]trace.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []trace.Event{}
	for rows.Next() {
		var ev trace.Event
		var kind string
		if err := rows.Scan(&ev.Seq, &ev.AtMillis, &kind, &ev.Envelope, &ev.Command, &ev.Count, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = trace.Kind(kind)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var startedAt, finishedAt, statsJSON string
	var finished int
	if err := row.Scan(&run.ID, &run.Name, &startedAt, &finished, &finishedAt, &run.Digest, &statsJSON, &run.EventCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("scan run %q: started_at: %w", run.ID, err)
	}
	run.StartedAt = t
	run.Finished = finished != 0
	if finishedAt != "" {
		ft, err := time.Parse(time.RFC3339Nano, finishedAt)
		if err != nil {
			return Run{}, fmt.Errorf("scan run %q: finished_at: %w", run.ID, err)
		}
		run.FinishedAt = &ft
	}

	run.Stats, err = unmarshalStats(statsJSON)
	if err != nil {
		return Run{}, fmt.Errorf("scan run %q: %w", run.ID, err)
	}
	return run, nil
}
