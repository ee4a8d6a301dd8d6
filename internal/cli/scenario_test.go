package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenariosDir = "../../testdata/scenarios"

const failingScenario = `
name: failing
description: "expects two consumptions"
envelopes: [{ name: a }]
steps:
  - send: { envelope: a, cmd: 1 }
  - tick: 1
assertions:
  - type: trace_count
    kind: consumed
    count: 2
`

func executeScenario(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewScenarioCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestScenario_AllPass(t *testing.T) {
	out, err := executeScenario(t, "text", scenariosDir)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ ping_pong")
	assert.Contains(t, out, "✓ timer_windup")
	assert.Contains(t, out, "✓ recall_forced")
	assert.Contains(t, out, "3 passed, 0 failed, 3 total")
	assert.Contains(t, out, "All scenarios passed")
}

func TestScenario_Filter(t *testing.T) {
	out, err := executeScenario(t, "text", scenariosDir, "--filter", "recall_*")
	require.NoError(t, err)

	assert.Contains(t, out, "✓ recall_forced")
	assert.NotContains(t, out, "ping_pong")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenario_FilterMatchesNothing(t *testing.T) {
	out, err := executeScenario(t, "text", scenariosDir, "--filter", "nothing_*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestScenario_InvalidFilter(t *testing.T) {
	_, err := executeScenario(t, "text", scenariosDir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenario_FailureExitCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(failingScenario), 0644))

	out, err := executeScenario(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ failing")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}

func TestScenario_MissingPath(t *testing.T) {
	_, err := executeScenario(t, "text", "/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "not found")
}

func TestScenario_RequiresPath(t *testing.T) {
	_, err := executeScenario(t, "text")
	require.Error(t, err)
}

func TestScenario_JSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "failing.yaml"), []byte(failingScenario), 0644))

	out, err := executeScenario(t, "json", filepath.Join(scenariosDir, "ping_pong.yaml"), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_SCENARIO_FAILED", resp.Error.Code)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), data["total_scenarios"])
	assert.Equal(t, float64(1), data["passed"])
}

func TestFilterScenarios(t *testing.T) {
	files := []string{"a/ping_pong.yaml", "a/recall_forced.yml", "b/timer_windup.yaml"}

	kept, err := filterScenarios(files, "")
	require.NoError(t, err)
	assert.Equal(t, files, kept)

	kept, err = filterScenarios(files, "*_*d")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/recall_forced.yml"}, kept)
}

func TestShortDigest(t *testing.T) {
	assert.Equal(t, "abc", shortDigest("abc"))
	assert.Equal(t, "0123456789ab", shortDigest("0123456789abcdef"))
}
