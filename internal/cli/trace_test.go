package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relay/internal/engine"
	"github.com/roach88/relay/internal/store"
	"github.com/roach88/relay/internal/trace"
)

var traceEvents = []trace.Event{
	{Seq: 1, AtMillis: 0, Kind: trace.KindSent, Envelope: "ping", Command: 1},
	{Seq: 2, AtMillis: 1, Kind: trace.KindDequeued, Envelope: "ping", Command: 1},
	{Seq: 3, AtMillis: 1, Kind: trace.KindConsumed, Envelope: "ping", Command: 1, Count: 1},
	{Seq: 4, AtMillis: 1, Kind: trace.KindRelinquished, Envelope: "ping", Command: 0, Count: 1},
	{Seq: 5, AtMillis: 2, Kind: trace.KindSent, Envelope: "pong", Command: 2},
}

// seedTraceDB writes one finished and one unfinished run.
func seedTraceDB(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.BeginRun(ctx, "run-1", "main", started))
	j := store.NewJournal(st, "run-1", nil)
	for _, ev := range traceEvents {
		j.Append(ev)
	}
	_, err = j.Close(ctx, traceEvents, engine.Stats{Dispatched: 1})
	require.NoError(t, err)

	require.NoError(t, st.BeginRun(ctx, "run-2", "side", started.Add(time.Second)))
	require.NoError(t, st.WriteEvents(ctx, "run-2", traceEvents[:1]))
	return dbPath
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTrace_MissingDatabaseFlag(t *testing.T) {
	_, err := executeRoot(t, "trace", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "db")
}

func TestTrace_List(t *testing.T) {
	db := seedTraceDB(t)

	out, err := executeRoot(t, "trace", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "run-2")
	assert.Contains(t, out, "Finished")
	assert.Contains(t, out, "Unfinished")
	assert.Less(t, bytes.Index([]byte(out), []byte("run-1")), bytes.Index([]byte(out), []byte("run-2")))
}

func TestTrace_ListEmpty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "empty.db")

	out, err := executeRoot(t, "trace", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
}

func TestTrace_ListJSON(t *testing.T) {
	db := seedTraceDB(t)

	out, err := executeRoot(t, "--format", "json", "trace", "list", "--db", db)
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   []store.Run `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "run-1", resp.Data[0].ID)
	assert.Equal(t, 5, resp.Data[0].EventCount)
	assert.Equal(t, int64(1), resp.Data[0].Stats.Dispatched)
}

func TestTrace_Show(t *testing.T) {
	db := seedTraceDB(t)

	out, err := executeRoot(t, "trace", "show", "--db", db, "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Trace for Run: run-1 (main)")
	assert.Contains(t, out, "=== Events ===")
	assert.Contains(t, out, "dequeued")
	assert.Contains(t, out, "pong")
	assert.Contains(t, out, "Total Events: 5")
}

func TestTrace_ShowEnvelopeFilter(t *testing.T) {
	db := seedTraceDB(t)

	out, err := executeRoot(t, "--format", "json", "trace", "show", "--db", db, "--envelope", "pong", "run-1")
	require.NoError(t, err)

	var resp struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Events, 1)
	assert.Equal(t, "pong", resp.Data.Events[0].Envelope)
	assert.Equal(t, int64(2), resp.Data.Kinds[trace.KindSent])
}

func TestTrace_ShowUnknownRun(t *testing.T) {
	db := seedTraceDB(t)

	_, err := executeRoot(t, "trace", "show", "--db", db, "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestTrace_Verify(t *testing.T) {
	db := seedTraceDB(t)

	out, err := executeRoot(t, "trace", "verify", "--db", db, "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Events:   5")
	assert.Contains(t, out, "✓ Digest matches")
}

func TestTrace_VerifyUnfinishedRun(t *testing.T) {
	db := seedTraceDB(t)

	out, err := executeRoot(t, "trace", "verify", "--db", db, "run-2")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Digest mismatch")
}

func TestTrace_VerifyJSON(t *testing.T) {
	db := seedTraceDB(t)

	out, err := executeRoot(t, "--format", "json", "trace", "verify", "--db", db, "run-1")
	require.NoError(t, err)

	var resp struct {
		Data store.Verification `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Match)
	assert.Equal(t, resp.Data.Stored, resp.Data.Computed)
}

func TestCompleteStatus(t *testing.T) {
	assert.Equal(t, "Finished", completeStatus(true))
	assert.Equal(t, "Unfinished", completeStatus(false))
}
