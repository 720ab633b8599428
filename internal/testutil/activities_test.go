package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transformflow/internal/activity"
	"github.com/roach88/transformflow/internal/ir"
)

func TestScriptedActivities_Defaults(t *testing.T) {
	a := NewScriptedActivities()
	ctx := context.Background()
	call := activity.Call{InstanceID: "inst-1", Key: "k", Seq: 1}

	rep, err := a.DetectChange(ctx, call, ir.DetectChangeInput{ClientID: "acme"})
	require.NoError(t, err)
	assert.True(t, rep.NeedsRegeneration)

	plan, err := a.Plan(ctx, call, ir.PlanInput{MappingRef: "m.json", DataRef: "d.csv"})
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 2)

	revised, err := a.RevisePlan(ctx, call, ir.RevisePlanInput{Plan: plan, Feedback: "add filter"})
	require.NoError(t, err)
	assert.NotEqual(t, plan.Summary, revised.Summary)
	assert.Equal(t, "add filter", revised.Steps[2].Description)

	res, err := a.Execute(ctx, call, ir.ExecuteInput{Attempt: 1})
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Equal(t, []string{
		ir.ActivityDetectChange, ir.ActivityPlan, ir.ActivityRevisePlan, ir.ActivityExecute,
	}, a.Names())
}

func TestScriptedActivities_ScriptsConsumeInOrder(t *testing.T) {
	a := NewScriptedActivities()
	a.Execs = []ExecStep{
		{Result: ir.ExecutionResult{ErrorLog: "KeyError: amount"}},
		{Err: activity.Transient(assert.AnError)},
	}
	ctx := context.Background()

	first, err := a.Execute(ctx, activity.Call{}, ir.ExecuteInput{Attempt: 1})
	require.NoError(t, err)
	assert.False(t, first.Success)

	_, err = a.Execute(ctx, activity.Call{}, ir.ExecuteInput{Attempt: 2})
	assert.True(t, activity.IsTransient(err))

	third, err := a.Execute(ctx, activity.Call{}, ir.ExecuteInput{Attempt: 3})
	require.NoError(t, err)
	assert.True(t, third.Success)
	assert.Equal(t, 3, a.Count(ir.ActivityExecute))
}

func TestScriptedActivities_FailAndAppendErr(t *testing.T) {
	a := NewScriptedActivities()
	a.Fail[ir.ActivityPlan] = ErrScripted
	a.AppendErr = assert.AnError
	ctx := context.Background()

	_, err := a.Plan(ctx, activity.Call{}, ir.PlanInput{})
	assert.ErrorIs(t, err, ErrScripted)

	assert.Error(t, a.AppendLog(ctx, ir.Message{ID: "m"}))
	assert.Empty(t, a.Logs())
}
