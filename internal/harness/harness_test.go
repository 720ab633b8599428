package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transformflow/internal/ir"
)

func baseScenario(name string) *Scenario {
	return &Scenario{
		Name:        name,
		Description: "test",
		Request: RequestSpec{
			ClientID:   "acme",
			MappingRef: "mappings/acme.xlsx",
			DataRef:    "data/acme.csv",
		},
	}
}

func traceNames(r *Result) []string {
	names := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		names[i] = ev.Name
	}
	return names
}

func TestRun_HappyPath(t *testing.T) {
	s := baseScenario("happy")
	s.Reviews = []ReviewStep{{Approve: true}, {Approve: true}}
	s.Assertions = []Assertion{
		{Type: AssertFinalState, Expect: map[string]any{"status": "completed"}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	assert.Equal(t, "inst-1", result.InstanceID)
	assert.Equal(t, []string{
		"detect-change", "plan", "review", "generate-code",
		"execute", "check-integrity", "review", "persist-approved-artifact",
	}, traceNames(result))
	assert.Equal(t, ir.EntryEvent, result.Trace[2].Kind)
	assert.Equal(t, map[string]any{"approved": true}, result.Trace[2].Input)

	assert.Equal(t, ir.StatusCompleted, result.Final.Status)
	assert.Equal(t, "acme/20260301_093000", result.Final.OutputRef)
	require.NotNil(t, result.Final.Artifact)
	require.NotEmpty(t, result.Messages)
	assert.Equal(t, "Checking if existing transformation can be reused...", result.Messages[0].Content)
}

func TestRun_StopsWhenReviewsRunOut(t *testing.T) {
	s := baseScenario("pending")
	s.Assertions = []Assertion{
		{Type: AssertFinalState, Expect: map[string]any{"phase": "plan_review", "status": "running", "pending_event": "review"}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"detect-change", "plan"}, traceNames(result))
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	s := baseScenario("wrong")
	s.Reviews = []ReviewStep{{Approve: true}, {Approve: true}}
	s.Assertions = []Assertion{
		{Type: AssertTraceCount, Action: "repair", Count: 1},
		{Type: AssertFinalState, Expect: map[string]any{"phase": "failed"}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 2)
}

func TestRun_ExpectedReviewError(t *testing.T) {
	s := baseScenario("malformed")
	s.Reviews = []ReviewStep{
		{Approve: false, ExpectError: "MALFORMED_DECISION"},
		{Approve: true},
	}
	s.Assertions = []Assertion{
		{Type: AssertFinalState, Expect: map[string]any{"phase": "output_review"}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_UnexpectedReviewOutcome(t *testing.T) {
	t.Run("expected error did not happen", func(t *testing.T) {
		s := baseScenario("no-error")
		s.Reviews = []ReviewStep{{Approve: true, ExpectError: "MALFORMED_DECISION"}}
		s.Assertions = []Assertion{{Type: AssertTraceCount, Action: "plan", Count: 1}}

		result, err := Run(s)
		require.NoError(t, err)
		assert.False(t, result.Pass)
		assert.Contains(t, result.Errors[0], "expected MALFORMED_DECISION, got success")
	})

	t.Run("unexpected error", func(t *testing.T) {
		s := baseScenario("error")
		s.Reviews = []ReviewStep{{Approve: false}}
		s.Assertions = []Assertion{{Type: AssertTraceCount, Action: "plan", Count: 1}}

		result, err := Run(s)
		require.NoError(t, err)
		assert.False(t, result.Pass)
		assert.Contains(t, result.Errors[0], "unexpected error")
		assert.Contains(t, result.Errors[0], "MALFORMED_DECISION")
	})
}

func TestRun_ActivityFailure(t *testing.T) {
	s := baseScenario("failure")
	s.Failures = map[string]string{ir.ActivityPlan: "model offline"}
	s.Assertions = []Assertion{
		{Type: AssertFinalState, Expect: map[string]any{"status": "failed", "error": "plan: model offline"}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "model offline", result.Trace[1].Error)
}

func TestRun_IsolatedAndDeterministic(t *testing.T) {
	s := baseScenario("repeat")
	s.Executions = []ExecutionStep{{ErrorLog: "boom"}}
	s.Reviews = []ReviewStep{{Approve: true}, {Approve: true}}
	s.Assertions = []Assertion{{Type: AssertTraceCount, Action: "repair", Count: 1}}

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	assert.True(t, first.Pass, "errors: %v", first.Errors)
	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, RenderTrace(s.Name, first), RenderTrace(s.Name, second))
}

func TestRunDir(t *testing.T) {
	suite, err := RunDir(context.Background(), filepath.Join("..", "..", "testdata", "scenarios"), "")
	require.NoError(t, err)

	assert.Equal(t, 8, suite.Total)
	assert.True(t, suite.OK(), "failed: %d", suite.Failed)
	assert.Len(t, suite.Order, suite.Total)
	for _, name := range suite.Order {
		r := suite.Results[name]
		assert.True(t, r.Pass, "%s: %v", name, r.Errors)
	}
}

func TestRunDir_Errors(t *testing.T) {
	_, err := RunDir(context.Background(), filepath.Join(t.TempDir(), "missing"), "")
	require.Error(t, err)

	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", minimalScenario)
	writeScenario(t, dir, "b.yaml", minimalScenario)
	_, err = RunDir(context.Background(), dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate scenario name "test_scenario"`)

	dir = t.TempDir()
	writeScenario(t, dir, "bad.yaml", "name: x\n")
	_, err = RunDir(context.Background(), dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestRunDir_CountsFailures(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "ok.yaml", minimalScenario)
	writeScenario(t, dir, "notes.txt", "ignored")
	writeScenario(t, dir, "wrong.yaml", `
name: wrong
description: "expects a repair that never happens"
request: {client_id: acme, mapping_ref: m.xlsx, data_ref: d.csv}
assertions:
  - type: trace_count
    action: repair
    count: 1
`)

	suite, err := RunDir(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, 2, suite.Total)
	assert.Equal(t, 1, suite.Passed)
	assert.Equal(t, 1, suite.Failed)
	assert.False(t, suite.OK())
	assert.Equal(t, []string{"test_scenario", "wrong"}, suite.Order)
}

func TestRunDir_Filter(t *testing.T) {
	dir := filepath.Join("..", "..", "testdata", "scenarios")

	suite, err := RunDir(context.Background(), dir, "plan_*")
	require.NoError(t, err)
	assert.Equal(t, []string{"plan_revision_and_repair", "plan_revision_limit"}, suite.Order)

	_, err = RunDir(context.Background(), dir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}
