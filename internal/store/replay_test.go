package store

import (
	"context"
	"testing"

	"github.com/roach88/relay/internal/engine"
	"github.com/roach88/relay/internal/trace"
)

func TestVerifyRun_Match(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1")

	events := sampleEvents()
	if err := s.WriteEvents(ctx, "run-1", events); err != nil {
		t.Fatalf("WriteEvents() failed: %v", err)
	}
	digest, err := trace.Digest(events)
	if err != nil {
		t.Fatalf("Digest() failed: %v", err)
	}
	if err := s.FinishRun(ctx, "run-1", digest, engine.Stats{}); err != nil {
		t.Fatalf("FinishRun() failed: %v", err)
	}

	v, err := s.VerifyRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("VerifyRun() failed: %v", err)
	}
	if !v.Match {
		t.Errorf("VerifyRun() mismatch: stored %s computed %s", v.Stored, v.Computed)
	}
	if v.Events != len(events) {
		t.Errorf("Events = %d, want %d", v.Events, len(events))
	}
}

func TestVerifyRun_DetectsTampering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1")

	events := sampleEvents()
	if err := s.WriteEvents(ctx, "run-1", events); err != nil {
		t.Fatalf("WriteEvents() failed: %v", err)
	}
	digest, err := trace.Digest(events)
	if err != nil {
		t.Fatalf("Digest() failed: %v", err)
	}
	if err := s.FinishRun(ctx, "run-1", digest, engine.Stats{}); err != nil {
		t.Fatalf("FinishRun() failed: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE lifecycle_events SET cmd = 99 WHERE seq = 1`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	v, err := s.VerifyRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("VerifyRun() failed: %v", err)
	}
	if v.Match {
		t.Error("VerifyRun() matched a modified trace")
	}
}

func TestVerifyRun_Unfinished(t *testing.T) {
	s := openTestStore(t)
	beginTestRun(t, s, "run-1")

	v, err := s.VerifyRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("VerifyRun() failed: %v", err)
	}
	if v.Match {
		t.Error("unfinished run should not verify")
	}
}
