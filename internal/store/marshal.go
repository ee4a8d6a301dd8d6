package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/relay/internal/engine"
	"github.com/roach88/relay/internal/trace"
)

// marshalStats converts Stats to canonical JSON TEXT for storage.
func marshalStats(st engine.Stats) (string, error) {
	data, err := trace.MarshalCanonical(map[string]any{
		"dispatched": st.Dispatched,
		"fired":      st.Fired,
		"skipped":    st.Skipped,
		"windups":    st.Windups,
		"stuck":      st.Stuck,
		"recalled":   st.Recalled,
		"failures":   st.Failures,
		"sleeps":     st.Sleeps,
		"wakeups":    st.Wakeups,
		"queued":     st.Queued,
		"pending":    st.Pending,
	})
	if err != nil {
		return "", fmt.Errorf("marshal stats: %w", err)
	}
	return string(data), nil
}

// unmarshalStats parses stats TEXT. Stats fields carry json tags that
// match the canonical keys.
func unmarshalStats(data string) (engine.Stats, error) {
	var st engine.Stats
	if data == "" || data == "{}" {
		return st, nil
	}
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return engine.Stats{}, fmt.Errorf("unmarshal stats: %w", err)
	}
	return st, nil
}
