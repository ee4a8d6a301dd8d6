package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Golden files live in testdata/golden. Regenerate with:
//
//	go test ./internal/harness -run TestRunWithGolden -update
func TestRunWithGolden_PingPong(t *testing.T) {
	scenario, err := LoadScenario("../../testdata/scenarios/ping_pong.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunWithGolden_TimerWindup(t *testing.T) {
	scenario, err := LoadScenario("../../testdata/scenarios/timer_windup.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunWithGolden_RecallForced(t *testing.T) {
	scenario, err := LoadScenario("../../testdata/scenarios/recall_forced.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestAssertGolden_ReusesResult(t *testing.T) {
	scenario, err := LoadScenario("../../testdata/scenarios/ping_pong.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)

	require.NoError(t, AssertGolden(t, "ping_pong", result))
}
