package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transformflow/internal/ir"
)

func writeScenario(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

// TestGoldenScenarios pins the full audit trace of the reference scenarios.
func TestGoldenScenarios(t *testing.T) {
	for _, name := range []string{"happy_path", "plan_revision_and_repair", "reuse_existing"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("..", "..", "testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRenderTrace(t *testing.T) {
	result := NewResult()
	result.InstanceID = "inst-7"
	result.Final = ir.Instance{Phase: ir.PhaseFailed, Status: ir.StatusFailed, Error: "plan: model offline"}
	result.Trace = []TraceEvent{
		{Seq: 1, Kind: ir.EntryActivity, Name: "detect-change"},
		{Seq: 2, Kind: ir.EntryActivity, Name: "plan", Error: "model offline"},
	}
	result.Messages = []ir.Message{
		{Role: ir.RoleAgent, Phase: ir.PhaseChangeDetection, Content: "Checking"},
		{Role: ir.RoleAgent, Phase: ir.PhaseExecution, Content: "Attempt 1 failed. Repairing...\nboom"},
		{Role: ir.RoleAgent, Phase: ir.PhaseFailed, Content: "plan: model offline"},
	}

	want := "scenario: sample\n" +
		"instance: inst-7\n" +
		"final: failed/failed\n" +
		"error: plan: model offline\n" +
		"\n" +
		"history:\n" +
		"   1  activity  detect-change\n" +
		"   2  activity  plan  error=model offline\n" +
		"\n" +
		"messages:\n" +
		"  agent     change_detection          Checking\n" +
		"  agent     execution_with_integrity  Attempt 1 failed. Repairing...\n" +
		"                                      boom\n" +
		"  agent     failed                    plan: model offline\n"

	assert.Equal(t, want, string(RenderTrace("sample", result)))
}
