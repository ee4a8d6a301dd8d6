package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roach88/relay/internal/engine"
	"github.com/roach88/relay/internal/trace"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sampleEvents() []trace.Event {
	return []trace.Event{
		{Seq: 1, AtMillis: 0, Kind: trace.KindSent, Envelope: "ping", Command: 1},
		{Seq: 2, AtMillis: 0, Kind: trace.KindDequeued, Envelope: "ping", Command: 1},
		{Seq: 3, AtMillis: 1, Kind: trace.KindConsumed, Envelope: "ping", Command: 1, Count: 1},
		{Seq: 4, AtMillis: 1, Kind: trace.KindSent, Envelope: "pong", Command: 2},
		{Seq: 5, AtMillis: 2, Kind: trace.KindRelinquished, Envelope: "ping", Count: 1},
		{Seq: 6, AtMillis: 3, Kind: trace.KindDenied, Envelope: "pong", Detail: "QUEUED"},
	}
}

func beginTestRun(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.BeginRun(context.Background(), id, "test", testStart); err != nil {
		t.Fatalf("BeginRun() failed: %v", err)
	}
}

func TestBeginRun_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	beginTestRun(t, s, "run-1")
	if err := s.BeginRun(ctx, "run-1", "other", testStart.Add(time.Hour)); err != nil {
		t.Fatalf("second BeginRun() failed: %v", err)
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Name != "test" {
		t.Errorf("Name = %q, want first write to win", runs[0].Name)
	}
	if !runs[0].StartedAt.Equal(testStart) {
		t.Errorf("StartedAt = %v, want %v", runs[0].StartedAt, testStart)
	}
}

func TestWriteEvents_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1")

	want := sampleEvents()
	if err := s.WriteEvents(ctx, "run-1", want); err != nil {
		t.Fatalf("WriteEvents() failed: %v", err)
	}

	run, got, err := s.ReadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadRun() failed: %v", err)
	}
	if run.EventCount != len(want) {
		t.Errorf("EventCount = %d, want %d", run.EventCount, len(want))
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWriteEvents_OrderedBySeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1")

	events := sampleEvents()
	// Write the second half first.
	if err := s.WriteEvents(ctx, "run-1", events[3:]); err != nil {
		t.Fatalf("WriteEvents() failed: %v", err)
	}
	if err := s.WriteEvents(ctx, "run-1", events[:3]); err != nil {
		t.Fatalf("WriteEvents() failed: %v", err)
	}

	_, got, err := s.ReadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadRun() failed: %v", err)
	}
	for i, ev := range got {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestWriteEvents_DuplicateBatchIgnored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1")

	events := sampleEvents()
	for i := 0; i < 2; i++ {
		if err := s.WriteEvents(ctx, "run-1", events); err != nil {
			t.Fatalf("WriteEvents() attempt %d failed: %v", i, err)
		}
	}

	_, got, err := s.ReadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadRun() failed: %v", err)
	}
	if len(got) != len(events) {
		t.Errorf("got %d events after retry, want %d", len(got), len(events))
	}
}

func TestWriteEvents_Empty(t *testing.T) {
	s := openTestStore(t)

	// No run exists; an empty batch never touches the database.
	if err := s.WriteEvents(context.Background(), "missing", nil); err != nil {
		t.Errorf("WriteEvents(nil) = %v, want nil", err)
	}
}

func TestWriteEvents_UnknownRun(t *testing.T) {
	s := openTestStore(t)

	err := s.WriteEvents(context.Background(), "missing", sampleEvents())
	if err == nil {
		t.Fatal("expected foreign key error for unknown run")
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM lifecycle_events`).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Errorf("failed batch left %d rows, want 0", count)
	}
}

func TestFinishRun_StoresDigestAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1")

	st := engine.Stats{Dispatched: 10, Fired: 3, Windups: 1, Queued: 2}
	if err := s.FinishRun(ctx, "run-1", "abc123", st); err != nil {
		t.Fatalf("FinishRun() failed: %v", err)
	}

	run, _, err := s.ReadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ReadRun() failed: %v", err)
	}
	if !run.Finished {
		t.Error("run not marked finished")
	}
	if run.FinishedAt == nil || run.FinishedAt.Before(run.StartedAt) {
		t.Errorf("FinishedAt = %v, want a time after %v", run.FinishedAt, run.StartedAt)
	}
	if run.Digest != "abc123" {
		t.Errorf("Digest = %q, want %q", run.Digest, "abc123")
	}
	if run.Stats != st {
		t.Errorf("Stats = %+v, want %+v", run.Stats, st)
	}
}

func TestFinishRun_UnknownRun(t *testing.T) {
	s := openTestStore(t)

	err := s.FinishRun(context.Background(), "missing", "abc", engine.Stats{})
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("FinishRun() error = %v, want ErrRunNotFound", err)
	}
}
