package store

import (
	"context"
	"fmt"

	"github.com/roach88/relay/internal/trace"
)

// Verification describes whether a journalled run still matches its digest.
type Verification struct {
	RunID    string `json:"run_id"`
	Stored   string `json:"stored_digest"`
	Computed string `json:"computed_digest"`
	Events   int    `json:"events"`
	Match    bool   `json:"match"`
}

// VerifyRun recomputes the trace digest from the stored events and
// compares it with the digest recorded by FinishRun.
//
// An unfinished run has no stored digest and never matches.
func (s *Store) VerifyRun(ctx context.Context, id string) (Verification, error) {
	run, events, err := s.ReadRun(ctx, id)
	if err != nil {
		return Verification{}, fmt.Errorf("verify run: %w", err)
	}

	computed, err := trace.Digest(events)
	if err != nil {
		return Verification{}, fmt.Errorf("verify run %q: %w", id, err)
	}

	return Verification{
		RunID:    id,
		Stored:   run.Digest,
		Computed: computed,
		Events:   len(events),
		Match:    run.Finished && run.Digest == computed,
	}, nil
}
